package resolver

import (
	"errors"
	"fmt"
)

// ErrRunActive is returned by Start when a run is already in flight.
var ErrRunActive = errors.New("a run is already active")

// ErrRunNotFound is returned by run stores for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// SourceError indicates the link list could not be fetched or parsed. It is
// fatal to the run. Sample carries a truncated body preview for diagnostics.
type SourceError struct {
	Msg    string
	Sample string
}

func (e *SourceError) Error() string {
	return e.Msg
}

// SurfaceError wraps a failed render-surface operation.
type SurfaceError struct {
	Op  string
	Err error
}

func (e *SurfaceError) Error() string {
	return fmt.Sprintf("surface %s: %v", e.Op, e.Err)
}

func (e *SurfaceError) Unwrap() error {
	return e.Err
}

// ReportErrorKind classifies collector submission failures.
type ReportErrorKind string

// Report failure kinds. Markup responses usually mean the request was
// redirected to a login page instead of the intended receiver; rate limiting
// is labeled separately so operators can tell "try again later" from a hard
// failure.
const (
	ReportMarkup      ReportErrorKind = "markup_response"
	ReportRateLimited ReportErrorKind = "rate_limited"
	ReportHTTPStatus  ReportErrorKind = "http_status"
)

// ReportError describes a failed submission to the collector endpoint.
type ReportError struct {
	Kind    ReportErrorKind
	Status  int
	Preview string
}

func (e *ReportError) Error() string {
	switch e.Kind {
	case ReportMarkup:
		return fmt.Sprintf("collector returned markup (likely a login page): %s", e.Preview)
	case ReportRateLimited:
		return "collector rate limited the submission (429); try again later"
	default:
		return fmt.Sprintf("collector returned HTTP %d: %s", e.Status, e.Preview)
	}
}
