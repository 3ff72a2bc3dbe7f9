// Package publisher delivers scheduled posts to the target channel.
//
// The executor is invoked by the scheduler's worker pool with a claimed
// job. It gates on draft status so a duplicate firing is a no-op, moves
// the draft through publishing to published, and on transient delivery
// failures re-queues the job with exponential backoff until the attempt
// ceiling turns the draft failed. Outcomes are announced on the event bus.
package publisher
