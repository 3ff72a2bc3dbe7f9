// Package core wires the pipeline together and serves the operator
// surface: slash commands, inline-button callbacks, and the free-form
// messages that drive the composition dialog.
//
// The update flow is transport -> router -> bounded worker pool ->
// middleware chain (owner gate, panic recovery, request log, timeout) ->
// handler. Delivery outcomes come back through the event bus and are
// relayed to the post owner.
package core
