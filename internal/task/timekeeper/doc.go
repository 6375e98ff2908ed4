// Package timekeeper owns the durable job list.
//
// It validates scheduling requests against the action registry, persists the
// active set, hands due-time firing to the worker, and moves finished jobs into
// a bounded archive. Job lifecycle:
//
//	Scheduled -> Firing -> Completed | Failed
//	Scheduled -> Cancelled
//
// Cancelled jobs are dropped without an archive entry.
//
// Firing is at-least-once: a job that was Firing when the process died is
// fired again after restart.
package timekeeper
