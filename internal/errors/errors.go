// Package errors provides RFC 7807 Problem Details responses for the HTTP
// transport. Business outcomes of the license protocol are not errors; they
// are typed results with localized messages. Only transport-level failures
// (malformed requests, missing credentials, unreachable backend) render as
// problems.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the problem object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// Error implements the error interface.
func (pd *ProblemDetails) Error() string {
	return pd.Title + ": " + pd.Detail
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// Convenience constructors for the transport layer.

// InvalidRequest renders a 400 for malformed or invalid request payloads.
func InvalidRequest(detail, instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusBadRequest,
		"/errors/invalid-request", "Invalid Request", detail, instance)
}

// Unauthorized renders a 401 for missing or wrong admin credentials.
func Unauthorized(detail, instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusUnauthorized,
		"/errors/unauthorized", "Unauthorized", detail, instance)
}

// BackendUnavailable renders a 503: the key-value backend is unreachable and
// no meaningful business response exists.
func BackendUnavailable(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusServiceUnavailable,
		"/errors/backend-unavailable", "License Backend Unavailable",
		"The license backend could not be reached. Please retry with backoff.",
		instance)
}

// Conflict renders a 409 for exhausted optimistic-write retries.
func Conflict(detail, instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusConflict,
		"/errors/conflict", "Conflict", detail, instance)
}

// Timeout renders a 504 for exceeded request deadlines.
func Timeout(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusGatewayTimeout,
		"/errors/timeout", "Request Timeout",
		"The request timed out while processing. Please try again.", instance)
}

// Internal renders a 500.
func Internal(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusInternalServerError,
		"/errors/internal", "Internal Server Error",
		"An unexpected error occurred.", instance)
}
