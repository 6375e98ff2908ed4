// Package worker fires scheduled action requests at their due time.
//
// Each request gets a one-shot timer keyed by job id. When it fires, the action
// runs in its own supervised goroutine so a slow or hung handler delays only
// itself. Actions that share a device are serialized; everything else runs
// concurrently. Every request that starts is reported through OnComplete exactly
// once, success or failure.
//
// The worker holds no persistent state. Requests scheduled while it is stopped
// are kept and armed on Start.
package worker
