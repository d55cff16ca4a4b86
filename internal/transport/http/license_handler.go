// Package http contains the chi handlers for the license service API.
package http

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"noxlic/internal/errors"
	"noxlic/internal/infrastructure"
	"noxlic/internal/kv"
	"noxlic/internal/license"
)

// LicenseHandler serves the activation protocol over HTTP+JSON. Business
// outcomes (not found, revoked, device conflict, expired, unknown) are 200
// responses carrying the typed status and localized message; only transport
// problems get a ProblemDetails error status.
type LicenseHandler struct {
	protocol *license.Protocol
	validate *validator.Validate
	logger   *slog.Logger
	adminKey string
}

// NewLicenseHandler creates a license handler. adminKey guards the
// revoke/extend endpoints; empty disables them.
func NewLicenseHandler(protocol *license.Protocol, adminKey string, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		protocol: protocol,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "license")),
		adminKey: adminKey,
	}
}

// TrialRequest is the RequestTrial payload.
type TrialRequest struct {
	Device  license.DeviceProfile  `json:"device" validate:"required"`
	Account license.AccountProfile `json:"account" validate:"required"`
}

// ActivationRequest is the ActivateLicense payload.
type ActivationRequest struct {
	Code    string                 `json:"code" validate:"required"`
	Device  license.DeviceProfile  `json:"device" validate:"required"`
	Account license.AccountProfile `json:"account" validate:"required"`
}

// StatusRequest is the CheckLicense payload.
type StatusRequest struct {
	Code     string `json:"code" validate:"required"`
	DeviceID string `json:"deviceId" validate:"required"`
	Token    string `json:"token" validate:"required"`
}

// RevokeRequest is the admin revoke payload.
type RevokeRequest struct {
	Code  string `json:"code" validate:"required"`
	Notes string `json:"notes,omitempty"`
}

// ExtendRequest is the admin extend payload.
type ExtendRequest struct {
	Code string `json:"code" validate:"required"`
	Days int    `json:"days" validate:"required,gt=0"`
}

// Routes returns the chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/trial", h.RequestTrial)
	r.Post("/activate", h.Activate)
	r.Post("/check", h.Check)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdminKey)
		r.Post("/revoke", h.Revoke)
		r.Post("/extend", h.Extend)
	})

	return r
}

// RequestTrial handles POST /api/license/trial.
func (h *LicenseHandler) RequestTrial(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.request_trial", "/api/license/trial")
	defer span.End()

	var req TrialRequest
	if !h.bind(w, r, &req) {
		span.SetAttributes(attribute.String("error.type", "bad_request"))
		return
	}
	span.SetAttributes(attribute.String("device.id", req.Device.DeviceID))

	resp, err := h.protocol.RequestTrial(ctx, req.Device, req.Account)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("trial.status", resp.Status))
	render.JSON(w, r, resp)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.activate", "/api/license/activate")
	defer span.End()

	var req ActivationRequest
	if !h.bind(w, r, &req) {
		span.SetAttributes(attribute.String("error.type", "bad_request"))
		return
	}
	span.SetAttributes(
		attribute.String("license.code", req.Code),
		attribute.String("device.id", req.Device.DeviceID),
	)

	resp, err := h.protocol.Activate(ctx, req.Code, req.Device, req.Account)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("activation.status", resp.Status))
	render.JSON(w, r, resp)
}

// Check handles POST /api/license/check.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.check", "/api/license/check")
	defer span.End()

	var req StatusRequest
	if !h.bind(w, r, &req) {
		span.SetAttributes(attribute.String("error.type", "bad_request"))
		return
	}

	resp, err := h.protocol.Check(ctx, req.Code, req.DeviceID, req.Token)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("check.status", resp.Status))
	render.JSON(w, r, resp)
}

// Revoke handles POST /api/license/revoke (admin).
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.revoke", "/api/license/revoke")
	defer span.End()

	var req RevokeRequest
	if !h.bind(w, r, &req) {
		return
	}

	resp, err := h.protocol.Revoke(ctx, req.Code, req.Notes)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Extend handles POST /api/license/extend (admin).
func (h *LicenseHandler) Extend(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.extend", "/api/license/extend")
	defer span.End()

	var req ExtendRequest
	if !h.bind(w, r, &req) {
		return
	}

	resp, err := h.protocol.Extend(ctx, req.Code, req.Days)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// requireAdminKey guards admin endpoints with a constant-time key compare.
func (h *LicenseHandler) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminKey == "" {
			render.Render(w, r, errors.Unauthorized(
				"Admin operations are disabled.", r.URL.Path))
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
			h.logger.WarnContext(r.Context(), "admin request rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			render.Render(w, r, errors.Unauthorized(
				"Missing or invalid admin key.", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bind decodes and validates the request body, rendering a 400 problem on
// failure. Returns false when the request was already answered.
func (h *LicenseHandler) bind(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := render.Decode(r, req); err != nil {
		h.logger.WarnContext(r.Context(), "request decode failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, errors.InvalidRequest(err.Error(), r.URL.Path))
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.WarnContext(r.Context(), "request validation failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, errors.InvalidRequest(err.Error(), r.URL.Path))
		return false
	}
	return true
}

// handleError maps backend/transport errors onto problem responses.
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.TraceIDFromContext(ctx)

	h.logger.ErrorContext(ctx, "license operation failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)

	var problem *errors.ProblemDetails
	switch {
	case stderrors.Is(err, kv.ErrUnavailable):
		problem = errors.BackendUnavailable(r.URL.Path)
	case stderrors.Is(err, license.ErrStaleRecord):
		problem = errors.Conflict(
			"The license record changed concurrently. Please retry.", r.URL.Path)
	case stderrors.Is(err, context.DeadlineExceeded):
		problem = errors.Timeout(r.URL.Path)
	default:
		problem = errors.Internal(r.URL.Path)
	}
	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	render.Render(w, r, problem)
}

// startSpan opens an OTel span for a handler invocation.
func (h *LicenseHandler) startSpan(r *http.Request, name, route string) (context.Context, trace.Span) {
	tracer := otel.Tracer("license-handler")
	return tracer.Start(r.Context(), name,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("request_id", infrastructure.TraceIDFromContext(r.Context())),
		),
	)
}
