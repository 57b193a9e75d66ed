package reconciliation

import "fmt"

// SourceUnavailableError wraps any failure talking to the finding source.
// A run that hits it is aborted.
type SourceUnavailableError struct {
	Op  string
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("finding source unavailable during %s: %v", e.Op, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// TrackerUnavailableError wraps any failed call to the ticket tracker.
// StatusCode is zero when the request never produced a response.
type TrackerUnavailableError struct {
	Op         string
	Key        string
	StatusCode int
	Err        error
}

func (e *TrackerUnavailableError) Error() string {
	target := ""
	if e.Key != "" {
		target = " " + e.Key
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("ticket tracker unavailable during %s%s (status %d): %v", e.Op, target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ticket tracker unavailable during %s%s: %v", e.Op, target, e.Err)
}

func (e *TrackerUnavailableError) Unwrap() error { return e.Err }

// QueryTooBroadError is returned when a ticket search query lacks one of the
// labels that scope it to this account's findings.
type QueryTooBroadError struct {
	Query  string
	Reason string
}

func (e *QueryTooBroadError) Error() string {
	return fmt.Sprintf("query too broad, refusing to continue: %s (query: %s)", e.Reason, e.Query)
}

// NoCloseTransitionError means the ticket's workflow offers no path to a
// closed state.
type NoCloseTransitionError struct {
	Key    string
	Reason string
}

func (e *NoCloseTransitionError) Error() string {
	return fmt.Sprintf("no close transition for ticket %s: %s", e.Key, e.Reason)
}

// InvalidAccountIDError is returned when the caller identity does not carry a
// 12 digit AWS account id.
type InvalidAccountIDError struct {
	AccountID string
}

func (e *InvalidAccountIDError) Error() string {
	return fmt.Sprintf("invalid AWS account id %q: expected 12 digits", e.AccountID)
}
