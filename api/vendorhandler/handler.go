// Package vendorhandler exposes the certificate lifecycle operations over
// HTTP. It is a thin adapter: request decoding, device ID extraction, and
// error-to-status mapping live here; all semantics live in the lifecycle
// engine.
package vendorhandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// Lifecycle is the engine surface the handler drives. The engine publishes
// outcomes to the response channel itself; the HTTP response mirrors the
// same outcome for synchronous callers.
type Lifecycle interface {
	Activate(ctx context.Context, deviceID interfaces.DeviceID) (interfaces.ResponseOutcome, error)
	ActivateWithCSR(ctx context.Context, req interfaces.DeviceRequest) (interfaces.ResponseOutcome, error)
	Acknowledge(ctx context.Context, deviceID interfaces.DeviceID, certificateID, previousCertificateID string) (interfaces.ResponseOutcome, error)
}

// ActivateWithCSRRequest is the JSON body of the CSR-based activation.
type ActivateWithCSRRequest struct {
	CSR                   string                          `json:"csr"`
	PreviousCertificateID string                          `json:"previousCertificateId,omitempty"`
	Authority             *interfaces.AuthorityParameters `json:"authority,omitempty"`
}

// AcknowledgeRequest is the JSON body of the acknowledge call.
type AcknowledgeRequest struct {
	CertificateID         string `json:"certificateId"`
	PreviousCertificateID string `json:"previousCertificateId,omitempty"`
}

// Handler processes HTTP requests for device certificate provisioning.
type Handler struct {
	engine Lifecycle
	log    *slog.Logger
}

// NewHandler creates an HTTP request handler over the lifecycle engine.
func NewHandler(engine Lifecycle, log *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log,
	}
}

// RegisterRoutes configures the router with the provisioning endpoints:
//   - POST /api/v1/devices/{device_id}/activate - activate a staged certificate
//   - POST /api/v1/devices/{device_id}/certificates - issue a certificate for a CSR
//   - POST /api/v1/devices/{device_id}/acknowledge - confirm certificate take-up
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/devices/{device_id}/activate", h.HandleActivate)
	r.Post("/api/v1/devices/{device_id}/certificates", h.HandleActivateWithCSR)
	r.Post("/api/v1/devices/{device_id}/acknowledge", h.HandleAcknowledge)
}

// HandleActivate activates the certificate already staged for the device
// and returns a presigned URL to the staged package.
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	deviceID := interfaces.DeviceID(chi.URLParam(r, "device_id"))

	outcome, err := h.engine.Activate(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, deviceID, err)
		return
	}
	h.writeOutcome(w, outcome)
}

// HandleActivateWithCSR issues a fresh certificate for the CSR in the
// request body and returns the certificate material.
func (h *Handler) HandleActivateWithCSR(w http.ResponseWriter, r *http.Request) {
	deviceID := interfaces.DeviceID(chi.URLParam(r, "device_id"))

	var body ActivateWithCSRRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Error("Invalid request body", "err", err, "deviceId", deviceID.String())
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.engine.ActivateWithCSR(r.Context(), interfaces.DeviceRequest{
		DeviceID:              deviceID,
		CSR:                   body.CSR,
		PreviousCertificateID: body.PreviousCertificateID,
		Authority:             body.Authority,
	})
	if err != nil {
		h.writeError(w, deviceID, err)
		return
	}
	h.writeOutcome(w, outcome)
}

// HandleAcknowledge records certificate take-up and triggers cleanup of
// superseded certificates where configured.
func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	deviceID := interfaces.DeviceID(chi.URLParam(r, "device_id"))

	var body AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Error("Invalid request body", "err", err, "deviceId", deviceID.String())
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.engine.Acknowledge(r.Context(), deviceID, body.CertificateID, body.PreviousCertificateID)
	if err != nil {
		h.writeError(w, deviceID, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *Handler) writeOutcome(w http.ResponseWriter, outcome interfaces.ResponseOutcome) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(outcome); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// writeError maps lifecycle errors onto HTTP statuses. The body carries
// the stable error code so device agents can branch without parsing
// free-form text.
func (h *Handler) writeError(w http.ResponseWriter, deviceID interfaces.DeviceID, err error) {
	var status int
	switch {
	case errors.Is(err, interfaces.ErrInvalidAlias):
		status = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrDeviceNotWhitelisted), errors.Is(err, interfaces.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, interfaces.ErrCertificateNotFound), errors.Is(err, interfaces.ErrMissingCertificateID):
		status = http.StatusNotFound
	case interfaces.ErrorCode(err) == "":
		// Uncoded errors are request-shape or CSR failures rejected
		// before or during validation.
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}

	h.log.Error("Lifecycle operation failed",
		"err", err, "deviceId", deviceID.String(), "status", status)
	http.Error(w, err.Error(), status)
}
