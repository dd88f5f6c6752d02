// Package dispatch hands fully-resolved sends to an email provider.
//
// The engine never renders content. A DispatchRequest names a template and
// a recipient, and carries the Message-ID the provider must stamp on the
// outbound mail so replies can be traced back to the dispatch record.
// Adapters:
//   - SESAdapter: AWS SES v2 templated send
//   - HTTPAdapter: JSON POST to a provider endpoint, retried on 429/5xx
//   - LogAdapter: dry run, logs and accepts
package dispatch
