// Package upstream forwards gateway traffic to the configured upstream base
// URL. It owns target URL construction, the per-attempt timeout, bounded
// retries over transient failures, and classification of every outcome into a
// ForwardResult the router can act on.
package upstream

import (
	"net/http"
	"time"
)

// StatusClientAborted is the nginx-style status used internally when the
// client goes away before the upstream answers. It is never written to the
// wire.
const StatusClientAborted = 499

// Outcome classifies one upstream forwarding attempt.
type Outcome int

const (
	// OutcomeOK is a 2xx response; the body is still open for streaming.
	OutcomeOK Outcome = iota
	// OutcomeAuthFailure is a 401 or 403 from the upstream.
	OutcomeAuthFailure
	// OutcomeQuota is a usage-limit rejection, by status 429 or by error body.
	OutcomeQuota
	// OutcomeTransient is a 5xx, a connection error, or an attempt timeout.
	OutcomeTransient
	// OutcomeFatal is any other non-2xx; it is written through to the client.
	OutcomeFatal
	// OutcomeAborted means the client cancelled the request.
	OutcomeAborted
)

// String returns the outcome name used in log lines.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeAuthFailure:
		return "auth_failure"
	case OutcomeQuota:
		return "quota"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ForwardResult is the classified outcome of one Fetch call.
type ForwardResult struct {
	// Outcome tags the variant.
	Outcome Outcome

	// Status is the upstream HTTP status, or the gateway stand-in: 502 for
	// connection errors, 504 for attempt timeouts, 499 for client aborts.
	Status int

	// Response is set only for OutcomeOK. Its body is unread; the caller
	// streams it and must close it.
	Response *http.Response

	// Body is the fully read upstream body for every non-ok outcome.
	Body []byte

	// ContentType is the upstream Content-Type header for non-ok outcomes,
	// kept so write-through responses preserve it.
	ContentType string

	// ResetsAt is the quota recovery instant announced by the upstream,
	// zero when the quota body carried none.
	ResetsAt time.Time
}

// Retryable reports whether the result may be retried within the same
// account attempt.
func (r ForwardResult) Retryable() bool {
	return r.Outcome == OutcomeTransient
}

func abortedResult() ForwardResult {
	return ForwardResult{
		Outcome: OutcomeAborted,
		Status:  StatusClientAborted,
		Body:    []byte("client_aborted"),
	}
}
