// Package action holds the process-wide registry of named actions the scheduler can fire.
//
// Every action carries an explicit parameter Shape declared at registration time.
// The validator checks job arguments against that shape before a job is persisted,
// and the worker resolves the action by name again at fire time.
package action
