// Package graph models an automation's workflow graph: a closed set of node
// types (trigger, send_email, delay, condition, end) with per-type config,
// publish-time validation, and successor resolution.
//
// A validated *Graph is immutable. The engine assumes every graph it runs was
// accepted by New or Parse; a missing node at run time is an integrity defect
// reported as ErrUnknownNode.
package graph
