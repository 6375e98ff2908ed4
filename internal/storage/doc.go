// Package storage persists the scheduler's active job set and its archive.
//
// Both collections are written whole on every mutation, keyed by job id.
// Loading never fails hard on bad content: a malformed file is moved aside as a
// numbered backup and an empty collection is returned, so the scheduler can
// keep running in a degraded (empty) state.
package storage
