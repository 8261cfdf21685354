package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/acctbroker/internal/broker"
)

// LicenseHandler serves the client-facing endpoints.
type LicenseHandler struct {
	broker *broker.Broker
	logger *slog.Logger
}

func NewLicenseHandler(b *broker.Broker, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{broker: b, logger: logger}
}

type validateRequest struct {
	Code     string `json:"code" validate:"required,max=64"`
	DeviceID string `json:"device_id" validate:"required,max=256"`
}

func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	view, err := h.broker.ValidateLicense(r.Context(), req.Code, req.DeviceID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type swapRequest struct {
	Code           string `json:"code" validate:"required,max=64"`
	DeviceID       string `json:"device_id" validate:"required,max=256"`
	CurrentAccount string `json:"current_account" validate:"max=320"`
}

func (h *LicenseHandler) Swap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	creds, err := h.broker.SwapAccount(r.Context(), req.Code, req.DeviceID, req.CurrentAccount)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}
