// Package tracking ingests engagement signals (opens, clicks, replies) and
// attributes each one to the dispatch that caused it.
//
// Attribution tries, in order: an exact correlation-key match on the
// referenced message id, a structured parse of the engine's own message-id
// format, and finally the owner of the domain the reply was addressed to.
// Every event is stored, matched or not.
package tracking
