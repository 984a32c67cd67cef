// Package schedule provides the key-scoped timing primitives the policies
// are built from: debounce, throttle, cooldown, exponential backoff and
// latest-wins coalescing.
//
// Every primitive is parameterized by a caller-supplied key so independent
// timers (one balloon's prediction vs its route, two different cache keys)
// never interfere. The primitives compose freely on the same key: a policy
// typically runs manual triggers through a Cooldown, batches telemetry
// triggers through a Debouncer, and executes the external call under a
// Coalescer with Backoff-scheduled retries.
//
// Cancellation is cooperative throughout: a superseded operation is allowed
// to run to completion for cleanup, but its ticket reports stale and its
// result must not be published.
package schedule
