// Package handlers provides HTTP handlers for the claims API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/api/middleware"
	"github.com/hospitalops/claimflow/internal/claims"
	"github.com/hospitalops/claimflow/internal/domain/charge"
)

// ClaimsService is the engine surface the API exposes
type ClaimsService interface {
	CreateCharge(ctx context.Context, id string, d charge.Details) (*charge.Charge, error)
	GetCharge(ctx context.Context, id string) (*charge.Charge, error)
	ListCharges(ctx context.Context, filter charge.Filter) ([]*charge.Charge, error)
	SubmitClaim(ctx context.Context, chargeID string) (*claims.SubmitResult, error)
	ResubmitClaim(ctx context.Context, chargeID, notes string) (*claims.ResubmitResult, error)
	SubmitAppeal(ctx context.Context, chargeID, notes string, level int) (*claims.AppealResult, error)
	DenialAnalytics(ctx context.Context) (*claims.DenialSummary, error)
	ClaimsAnalytics(ctx context.Context) (*claims.ClaimsSummary, error)
	GenerateClaimsReport(ctx context.Context, f claims.ReportFilter) (*claims.ClaimsReport, error)
}

// ClaimsHandler handles charge, claim and analytics endpoints
type ClaimsHandler struct {
	svc    ClaimsService
	logger *zap.Logger
}

// NewClaimsHandler creates a new handler
func NewClaimsHandler(svc ClaimsService, logger *zap.Logger) *ClaimsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimsHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes, mounted under /api/v1
func (h *ClaimsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/charges", func(r chi.Router) {
		r.Post("/", h.CreateCharge)
		r.Get("/", h.ListCharges)
		r.Get("/{id}", h.GetCharge)
		r.Post("/{id}/claim", h.SubmitClaim)
		r.Post("/{id}/resubmit", h.ResubmitClaim)
		r.Post("/{id}/appeal", h.SubmitAppeal)
	})
	r.Get("/analytics/denials", h.DenialAnalytics)
	r.Get("/analytics/claims", h.ClaimsAnalytics)
	r.Get("/reports/claims", h.ClaimsReport)
	return r
}

// CreateChargeRequest is the request body for creating a charge
type CreateChargeRequest struct {
	ID string `json:"id,omitempty"`
	charge.Details
}

// CreateCharge handles POST /charges
func (h *ClaimsHandler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req CreateChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := h.svc.CreateCharge(r.Context(), req.ID, req.Details)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, c)
}

// GetCharge handles GET /charges/{id}
func (h *ClaimsHandler) GetCharge(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCharge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, c)
}

// ListCharges handles GET /charges
func (h *ClaimsHandler) ListCharges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := charge.Filter{
		Department: q.Get("department"),
		PatientID:  q.Get("patient_id"),
	}
	if s := q.Get("claim_status"); s != "" {
		filter.ClaimStatuses = []charge.ClaimStatus{charge.ClaimStatus(s)}
	}
	if s := q.Get("billing_status"); s != "" {
		filter.BillingStatuses = []charge.BillingStatus{charge.BillingStatus(s)}
	}

	list, err := h.svc.ListCharges(r.Context(), filter)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"charges": list,
		"count":   len(list),
	})
}

// SubmitClaim handles POST /charges/{id}/claim
func (h *ClaimsHandler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SubmitClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusAccepted, res)
}

// ResubmitRequest is the request body for a resubmission
type ResubmitRequest struct {
	CorrectionNotes string `json:"correction_notes"`
}

// ResubmitClaim handles POST /charges/{id}/resubmit
func (h *ClaimsHandler) ResubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req ResubmitRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	res, err := h.svc.ResubmitClaim(r.Context(), chi.URLParam(r, "id"), req.CorrectionNotes)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusAccepted, res)
}

// AppealRequest is the request body for an appeal
type AppealRequest struct {
	Notes string `json:"notes"`
	Level int    `json:"level"`
}

// SubmitAppeal handles POST /charges/{id}/appeal. The level defaults to 1.
func (h *ClaimsHandler) SubmitAppeal(w http.ResponseWriter, r *http.Request) {
	req := AppealRequest{Level: 1}
	if !h.decodeOptional(w, r, &req) {
		return
	}
	res, err := h.svc.SubmitAppeal(r.Context(), chi.URLParam(r, "id"), req.Notes, req.Level)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusAccepted, res)
}

// DenialAnalytics handles GET /analytics/denials
func (h *ClaimsHandler) DenialAnalytics(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.DenialAnalytics(r.Context())
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, s)
}

// ClaimsAnalytics handles GET /analytics/claims
func (h *ClaimsHandler) ClaimsAnalytics(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.ClaimsAnalytics(r.Context())
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, s)
}

// ClaimsReport handles GET /reports/claims
func (h *ClaimsHandler) ClaimsReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"), false)
	if err != nil {
		h.jsonError(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTime(q.Get("to"), true)
	if err != nil {
		h.jsonError(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.svc.GenerateClaimsReport(r.Context(), claims.ReportFilter{
		From:          from,
		To:            to,
		ClaimStatus:   charge.ClaimStatus(q.Get("status")),
		BillingStatus: charge.BillingStatus(q.Get("billing_status")),
		Department:    q.Get("department"),
		PatientID:     q.Get("patient_id"),
	})
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, report)
}

// parseTime accepts RFC 3339 timestamps or dates. A date used as an upper
// bound covers the whole day.
func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// decodeOptional decodes a JSON body into v when one is present
func (h *ClaimsHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *ClaimsHandler) domainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, charge.ErrChargeNotFound):
		h.jsonError(w, charge.ErrChargeNotFound.Message, http.StatusNotFound)
	case charge.Code(err) != "":
		var de *charge.Error
		errors.As(err, &de)
		h.jsonResponse(w, http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
			"code":  de.Code,
		})
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *ClaimsHandler) jsonResponse(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (h *ClaimsHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.jsonResponse(w, code, map[string]string{"error": message})
}
