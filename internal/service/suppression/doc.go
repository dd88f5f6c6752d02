// Package suppression implements the suppression gate.
//
// This is the single source of truth for whether an address may receive a
// send from an automation. Records are written by the unsubscribe flow and
// admin actions; the scheduler only reads them, immediately before every
// dispatch. An address is suppressed by an active "all" record or by an
// active record scoped to the automation.
//
// Lookups may be served from a short-lived Redis cache. A few seconds of
// staleness is tolerated: a missed suppression delays it by at most one
// cache TTL.
//
// The service layer depends on the Repository interface defined in
// repository.go. It never imports net/http or database/sql directly.
package suppression
