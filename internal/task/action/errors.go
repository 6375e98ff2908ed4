package action

import "github.com/cockroachdb/errors"

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrDuplicateName = errors.New("action already registered")
	ErrInvalidAction = errors.New("invalid action definition")
)
