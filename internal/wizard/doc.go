// Package wizard drives the guided post composition dialog.
//
// One session per user, created by Start and destroyed on confirm, cancel,
// save, or idle timeout. Each step accepts a bounded set of inputs; anything
// else comes back as a ValidationError and the step re-prompts. The session
// owns a private media aggregator, so album bursts land as one ordered set.
package wizard
