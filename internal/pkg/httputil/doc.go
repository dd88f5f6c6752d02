// Package httputil writes the JSON envelopes shared by the control API and
// the tracking endpoints: {"error", "code", "details"} for failures and the
// bare payload for success.
package httputil
