package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/acctbroker/internal/allocator"
	"github.com/dukerupert/acctbroker/internal/broker"
	"github.com/dukerupert/acctbroker/internal/model"
)

// AdminHandler serves the operator endpoints under /admin.
type AdminHandler struct {
	broker *broker.Broker
	logger *slog.Logger
}

func NewAdminHandler(b *broker.Broker, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{broker: b, logger: logger}
}

type issueRequest struct {
	Type  string `json:"type" validate:"required,oneof=day_card count_card"`
	Value int    `json:"value" validate:"required,min=1,max=100000"`
	Note  string `json:"note" validate:"max=500"`
}

func (h *AdminHandler) IssueLicense(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	typ, _ := model.ParseLicenseType(req.Type)

	lic, err := h.broker.Issue(typ, req.Value, req.Note)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, lic)
}

func (h *AdminHandler) DeactivateLicense(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if err := h.broker.Deactivate(r.Context(), code); err != nil {
		writeError(w, h.logger, err)
		return
	}
	view, err := h.broker.License(code)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *AdminHandler) ReleaseLicense(w http.ResponseWriter, r *http.Request) {
	released, err := h.broker.Release(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	handles := make([]string, 0, len(released))
	for _, a := range released {
		handles = append(handles, a.Handle)
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": handles})
}

func (h *AdminHandler) LicenseAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.broker.AccountsByLicense(r.PathValue("code"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

type addAccountRequest struct {
	Handle            string `json:"handle" validate:"required,max=320"`
	SessionCredential string `json:"session_credential" validate:"max=4096"`
	AccessToken       string `json:"access_token" validate:"max=4096"`
	RefreshToken      string `json:"refresh_token" validate:"max=4096"`
	SignUpType        string `json:"sign_up_type" validate:"max=64"`
	Notes             string `json:"notes" validate:"max=500"`
}

func (h *AdminHandler) AddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	acct, err := h.broker.AddAccount(allocator.NewAccount{
		Handle:            req.Handle,
		SessionCredential: req.SessionCredential,
		AccessToken:       req.AccessToken,
		RefreshToken:      req.RefreshToken,
		SignUpType:        req.SignUpType,
		Notes:             req.Notes,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *AdminHandler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	acct, err := h.broker.VerifyAccount(r.Context(), handle)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if acct == nil {
		writeJSON(w, http.StatusOK, map[string]any{"handle": handle, "removed": true})
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.broker.Sweep(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
