package errors

import (
	"net/http"
)

// Problem type URIs
const (
	TypeValidationError = "https://tradesentry.dev/problems/validation-error"
	TypeUnauthorized    = "https://tradesentry.dev/problems/unauthorized"
	TypeNotFound        = "https://tradesentry.dev/problems/not-found"
	TypeConflict        = "https://tradesentry.dev/problems/conflict"
	TypeUnavailable     = "https://tradesentry.dev/problems/unavailable"
	TypeInternalError   = "https://tradesentry.dev/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// NewProblemDetails creates a new problem details value
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// ToProblemDetails maps an error onto the problem type matching its kind.
func ToProblemDetails(err error, instance string) *ProblemDetails {
	var pd *ProblemDetails
	if As(err, &pd) {
		return pd
	}

	switch {
	case Is(err, Invalid), Is(err, Malformed):
		return NewProblemDetails(TypeValidationError, "Validation Error", http.StatusBadRequest, err.Error(), instance)
	case Is(err, Unauthorized):
		return NewProblemDetails(TypeUnauthorized, "Unauthorized", http.StatusUnauthorized, err.Error(), instance)
	case Is(err, NotFound):
		return NewProblemDetails(TypeNotFound, "Not Found", http.StatusNotFound, err.Error(), instance)
	case Is(err, Conflict):
		return NewProblemDetails(TypeConflict, "Conflict", http.StatusConflict, err.Error(), instance)
	case Is(err, Unavailable), Is(err, Transient):
		return NewProblemDetails(TypeUnavailable, "Service Unavailable", http.StatusServiceUnavailable, err.Error(), instance)
	default:
		return NewProblemDetails(TypeInternalError, "Internal Server Error", http.StatusInternalServerError, err.Error(), instance)
	}
}
