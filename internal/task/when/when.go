// Package when turns operator-supplied schedule expressions into a single fire time.
//
// Supported forms:
//   - "now"
//   - Absolute timestamp: RFC3339 ("2026-03-01T12:00:00Z") or local
//     "2006-01-02 15:04[:05]"
//   - Clock time HH:MM[:SS]: next occurrence of that wall time
//   - Relative duration: "90s", "+5m", "in 1h30m"
//   - Cron (robfig/cron, seconds optional): "*/5 * * * *", "@hourly", "cron:0 0 * * *";
//     resolves to the next occurrence after now
package when

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Kind reports which form an expression was parsed as.
type Kind int

const (
	KindNow Kind = iota
	KindAbsolute
	KindClock
	KindDuration
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindNow:
		return "now"
	case KindAbsolute:
		return "absolute"
	case KindClock:
		return "clock"
	case KindDuration:
		return "duration"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Resolved is a parsed expression pinned to a concrete instant.
type Resolved struct {
	At   time.Time
	Kind Kind
}

var ErrInvalid = errors.New("invalid schedule expression")

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reClock = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)

var absLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Parse resolves raw relative to now. A nil loc means time.Local.
func Parse(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	r, err := Resolve(raw, now, loc)
	return r.At, err
}

// Resolve is Parse plus the detected Kind.
func Resolve(raw string, now time.Time, loc *time.Location) (Resolved, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return Resolved{}, errors.Wrap(ErrInvalid, "schedule required")
	}
	low := strings.ToLower(s)

	if low == "now" {
		return Resolved{At: now, Kind: KindNow}, nil
	}

	// Prefixes (explicit)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Resolved{}, errors.Wrap(ErrInvalid, "cron schedule required after 'cron:'")
		}
		return nextCron(expr, now, loc)
	}
	if strings.HasPrefix(low, "in ") {
		return afterDuration(strings.TrimSpace(s[len("in "):]), now)
	}
	if strings.HasPrefix(s, "+") {
		return afterDuration(s[1:], now)
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Resolved{At: t, Kind: KindAbsolute}, nil
	}
	for _, layout := range absLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return Resolved{At: t, Kind: KindAbsolute}, nil
		}
	}

	if m := reClock.FindStringSubmatch(s); m != nil {
		return nextClock(m, now, loc)
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return nextCron(s, now, loc)
	}

	// - Go duration => relative
	if _, err := time.ParseDuration(s); err == nil {
		return afterDuration(s, now)
	}

	return Resolved{}, errors.Wrapf(ErrInvalid,
		"%q (use RFC3339, HH:MM, a duration like '90s', or cron like '*/5 * * * *')", raw)
}

func afterDuration(v string, now time.Time) (Resolved, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return Resolved{}, errors.Wrapf(ErrInvalid, "invalid duration %q", v)
	}
	if d < 0 {
		return Resolved{}, errors.Wrapf(ErrInvalid, "duration %q must not be negative", v)
	}
	return Resolved{At: now.Add(d), Kind: KindDuration}, nil
}

func nextCron(expr string, now time.Time, loc *time.Location) (Resolved, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Resolved{}, errors.Wrapf(ErrInvalid, "cron %q: %v", expr, err)
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return Resolved{}, errors.Wrapf(ErrInvalid, "cron %q never fires", expr)
	}
	return Resolved{At: next, Kind: KindCron}, nil
}

func nextClock(m []string, now time.Time, loc *time.Location) (Resolved, error) {
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss := 0
	if m[3] != "" {
		ss, _ = strconv.Atoi(m[3])
	}
	if hh > 23 || mm > 59 || ss > 59 {
		return Resolved{}, errors.Wrapf(ErrInvalid, "invalid clock time %q", m[0])
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, ss, 0, loc)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return Resolved{At: at, Kind: KindClock}, nil
}
