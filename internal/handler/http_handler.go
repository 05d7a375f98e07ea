// Package handler exposes the engine's HTTP surface: the payment webhook
// endpoint, the public referral form endpoint, and the admin payout and risk
// operations.
package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/errors"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/repository"
	"github.com/cynergists/be-partner-commissions/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	intake           *service.IntakeService
	attribution      *service.AttributionService
	risk             *service.RiskService
	payouts          *service.PayoutService
	disputes         *service.DisputeService
	partnerRepo      *repository.PartnerRepository
	payoutRepo       *repository.PayoutRepository
	auditRepo        *repository.AuditRepository
	notificationRepo *repository.NotificationRepository
	log              *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	intake *service.IntakeService,
	attribution *service.AttributionService,
	risk *service.RiskService,
	payouts *service.PayoutService,
	disputes *service.DisputeService,
	partnerRepo *repository.PartnerRepository,
	payoutRepo *repository.PayoutRepository,
	auditRepo *repository.AuditRepository,
	notificationRepo *repository.NotificationRepository,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		intake:           intake,
		attribution:      attribution,
		risk:             risk,
		payouts:          payouts,
		disputes:         disputes,
		partnerRepo:      partnerRepo,
		payoutRepo:       payoutRepo,
		auditRepo:        auditRepo,
		notificationRepo: notificationRepo,
		log:              log,
	}
}

// PaymentWebhook handles inbound payment-provider events.
func (h *HTTPHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event service.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.intake.ProcessPaymentEvent(r.Context(), &event); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// SubmitReferral handles public referral form submissions.
func (h *HTTPHandler) SubmitReferral(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sub service.ReferralSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if sub.IPAddress == "" {
		sub.IPAddress = clientIP(r)
	}
	if sub.UserAgent == "" {
		sub.UserAgent = r.UserAgent()
	}

	result, err := h.attribution.SubmitReferral(r.Context(), &sub)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// UpdateRisk handles risk score adjustments.
func (h *HTTPHandler) UpdateRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PartnerID string `json:"partner_id"`
		Delta     int    `json:"delta"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PartnerID == "" {
		http.Error(w, "Partner ID is required", http.StatusBadRequest)
		return
	}

	result, err := h.risk.UpdatePartnerRisk(r.Context(), req.PartnerID, req.Delta, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetDashboard handles partner dashboard stat requests.
func (h *HTTPHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	partnerID := r.URL.Query().Get("partner_id")
	if partnerID == "" {
		http.Error(w, "Partner ID is required", http.StatusBadRequest)
		return
	}

	stats, err := h.partnerRepo.GetDashboardStats(r.Context(), partnerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// CreatePayoutBatch handles manual payout batch creation for one partner.
func (h *HTTPHandler) CreatePayoutBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PartnerID  string `json:"partner_id"`
		PayoutDate string `json:"payout_date"` // RFC 3339, defaults to now
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PartnerID == "" {
		http.Error(w, "Partner ID is required", http.StatusBadRequest)
		return
	}

	payoutDate := time.Now()
	if req.PayoutDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.PayoutDate)
		if err != nil {
			http.Error(w, "Invalid payout_date", http.StatusBadRequest)
			return
		}
		payoutDate = parsed
	}

	payout, err := h.payouts.CreatePayoutBatchForPartner(r.Context(), req.PartnerID, payoutDate)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if payout == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_eligible_commissions"})
		return
	}

	writeJSON(w, http.StatusCreated, payout)
}

// ReconcilePayout handles pre-payment reconcile requests.
func (h *HTTPHandler) ReconcilePayout(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.payoutIDFromBody(w, r)
	if !ok {
		return
	}

	result, err := h.payouts.ReconcilePayout(r.Context(), payoutID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// MarkPayoutPaid handles payout settlement confirmations.
func (h *HTTPHandler) MarkPayoutPaid(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.payoutIDFromBody(w, r)
	if !ok {
		return
	}

	payout, err := h.payouts.MarkPayoutPaid(r.Context(), payoutID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, payout)
}

// CancelPayout handles payout cancellations.
func (h *HTTPHandler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.payoutIDFromBody(w, r)
	if !ok {
		return
	}

	payout, err := h.payouts.CancelPayout(r.Context(), payoutID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, payout)
}

// ListPayouts handles partner payout history requests.
func (h *HTTPHandler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	partnerID := r.URL.Query().Get("partner_id")
	if partnerID == "" {
		http.Error(w, "Partner ID is required", http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}

	payouts, err := h.payoutRepo.ListByPartner(r.Context(), partnerID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payouts": payouts,
		"total":   len(payouts),
	})
}

// ListAudit handles audit trail requests, by partner over a time range or by
// resource.
func (h *HTTPHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resourceType := r.URL.Query().Get("resource_type")
	resourceID := r.URL.Query().Get("resource_id")
	if resourceType != "" && resourceID != "" {
		entries, err := h.auditRepo.ListByResource(r.Context(), resourceType, resourceID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
		return
	}

	partnerID := r.URL.Query().Get("partner_id")
	if partnerID == "" {
		http.Error(w, "Partner ID or resource_type+resource_id is required", http.StatusBadRequest)
		return
	}

	to := time.Now()
	from := to.AddDate(0, -1, 0)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = parsed
	}

	entries, err := h.auditRepo.ListByPartner(r.Context(), partnerID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// OpenDispute freezes a commission pending investigation.
func (h *HTTPHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CommissionID string `json:"commission_id"`
		Reason       string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CommissionID == "" {
		http.Error(w, "Commission ID is required", http.StatusBadRequest)
		return
	}

	dispute, err := h.disputes.OpenDispute(r.Context(), req.CommissionID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, dispute)
}

// ResolveDispute closes an open dispute as upheld or rejected.
func (h *HTTPHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		DisputeID string `json:"dispute_id"`
		Outcome   string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DisputeID == "" {
		http.Error(w, "Dispute ID is required", http.StatusBadRequest)
		return
	}

	dispute, err := h.disputes.ResolveDispute(r.Context(), req.DisputeID, req.Outcome)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dispute)
}

// NotificationSummary reports open and critical alert counts for the admin
// dashboard badge.
func (h *HTTPHandler) NotificationSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	unresolved, err := h.notificationRepo.UnresolvedCount(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	critical, err := h.notificationRepo.CriticalCount(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"unresolved": unresolved,
		"critical":   critical,
	})
}

// ResolveNotification closes one operational alert.
func (h *HTTPHandler) ResolveNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NotificationID string  `json:"notification_id"`
		ResolvedBy     string  `json:"resolved_by"`
		Notes          *string `json:"notes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NotificationID == "" {
		http.Error(w, "Notification ID is required", http.StatusBadRequest)
		return
	}

	if err := h.notificationRepo.Resolve(r.Context(), req.NotificationID, req.ResolvedBy, req.Notes); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// RetryFailedWebhooks replays failed webhook events.
func (h *HTTPHandler) RetryFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	succeeded, err := h.intake.RetryFailed(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"succeeded": succeeded})
}

func (h *HTTPHandler) payoutIDFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}

	var req struct {
		PayoutID string `json:"payout_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return "", false
	}
	if req.PayoutID == "" {
		http.Error(w, "Payout ID is required", http.StatusBadRequest)
		return "", false
	}
	return req.PayoutID, true
}

// writeError maps application error codes onto HTTP statuses.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	var status int
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeFailedPrecondition:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
		h.log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// clientIP extracts the caller's address, preferring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
