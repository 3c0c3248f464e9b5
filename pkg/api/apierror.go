// Package api exposes the governance core over HTTP/JSON. Errors use
// RFC 7807 problem details extended with the taxonomy code and the
// remediation hint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/jobs"
	"github.com/domaindetermine/governance/pkg/quota"
	"github.com/domaindetermine/governance/pkg/registry"
	"github.com/domaindetermine/governance/pkg/waiver"
)

// ProblemDetail implements RFC 7807 with governance extensions.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// Code is the governance taxonomy code, when the failure has one.
	Code string `json:"code,omitempty"`
	// Remediation tells the caller how to make the request succeed.
	Remediation string `json:"remediation,omitempty"`
	// Limit names the refusing quota dimension; RetryAfterSeconds says
	// when a retry can succeed. Both are set on quota refusals.
	Limit             string `json:"limit,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://governance.schemas.local/errors/%d", p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a bare problem response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, nil, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteUnauthorized writes a 401 with the AUTH_FAILED code.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	writeProblem(w, r, &ProblemDetail{
		Title:       "Unauthorized",
		Status:      http.StatusUnauthorized,
		Detail:      detail,
		Code:        string(errs.AuthFailed),
		Remediation: "send X-Actor, X-Roles, X-Tenant and X-Reason headers",
	})
}

// WriteForbidden writes a 403 with the AUTH_FAILED code.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	writeProblem(w, r, &ProblemDetail{
		Title:  "Forbidden",
		Status: http.StatusForbidden,
		Detail: detail,
		Code:   string(errs.AuthFailed),
	})
}

// WriteBadRequest writes a 400 with the SCHEMA_VIOLATION code.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, &ProblemDetail{
		Title:  "Bad Request",
		Status: http.StatusBadRequest,
		Detail: detail,
		Code:   string(errs.SchemaViolation),
	})
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, &ProblemDetail{
		Title:  "Not Found",
		Status: http.StatusNotFound,
		Detail: detail,
	})
}

// WriteTooManyRequests writes a 429 with Retry-After header and the
// name of the limit that refused.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, limit string, retryAfterSecs int64, detail string) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, &ProblemDetail{
		Title:             "Too Many Requests",
		Status:            http.StatusTooManyRequests,
		Detail:            detail,
		Code:              string(errs.RateLimited),
		Remediation:       "retry after the interval in retry_after_seconds",
		Limit:             limit,
		RetryAfterSeconds: retryAfterSecs,
	})
}

// WriteInternal writes a 500. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "path", r.URL.Path)
	writeProblem(w, r, &ProblemDetail{
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "An unexpected error occurred. Please try again later.",
	})
}

// WriteDomainError maps a service-layer error onto the wire: not-found
// sentinels become 404, taxonomy codes use their canonical status, and
// everything else is a 500.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, waiver.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, eventlog.ErrNotFound):
		WriteNotFound(w, r, err.Error())
		return
	}

	var refusal *quota.RefusalError
	if errors.As(err, &refusal) {
		WriteTooManyRequests(w, r,
			refusal.Refusal.Dimension, refusal.Refusal.RetryAfterSeconds(), err.Error())
		return
	}

	if te, ok := errs.AsError(err); ok {
		status := errs.HTTPStatus(te.Code)
		p := &ProblemDetail{
			Title:       http.StatusText(status),
			Status:      status,
			Detail:      te.Message,
			Code:        string(te.Code),
			Remediation: te.Remediation,
		}
		if te.Code == errs.RateLimited {
			p.RetryAfterSeconds = int64(te.RetryAfter.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%d", p.RetryAfterSeconds))
		}
		writeProblem(w, r, p)
		return
	}

	WriteInternal(w, r, err)
}

// WriteJSON writes a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
