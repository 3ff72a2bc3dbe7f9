// Package post holds the domain model shared across the composition,
// scheduling and publishing pipeline: drafts, their media and buttons,
// durable publish jobs, and the error taxonomy the pipeline reports.
//
// The package is dependency-free on purpose; storage, transport and the
// services all import it, never the other way around.
package post
