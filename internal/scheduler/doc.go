// Package scheduler fires scheduled posts at their delivery time.
//
// Jobs are durable rows in storage, so a restart never loses a pending
// post: the first sweep after startup picks up anything whose fire-at
// elapsed while the process was down. A cron-driven sweep claims due jobs
// (delete-before-dispatch) and hands them to the publish executor on a
// small worker pool; the executor's own status gate covers the remaining
// duplicate-fire window.
package scheduler
