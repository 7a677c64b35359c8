package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftline/dispatch/internal/queue"
	"github.com/driftline/dispatch/internal/store"
)

// trackingPixel is a 1x1 transparent PNG. The open endpoint always serves
// it, whatever happened while recording the hit.
var trackingPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// CampaignRequest scopes a campaign operation to its owning account
type CampaignRequest struct {
	UserID string `json:"user_id"`
}

// ScheduleRequest is the body for POST /campaigns/{id}/schedule
type ScheduleRequest struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// CampaignSendResponse reports how many recipient jobs a fan-out created
type CampaignSendResponse struct {
	CampaignID string `json:"campaign_id"`
	Enqueued   int    `json:"enqueued"`
}

// CampaignStatsResponse is the response for GET /campaigns/{id}/stats
type CampaignStatsResponse struct {
	CampaignID    string  `json:"campaign_id"`
	Sent          int     `json:"sent"`
	Delivered     int     `json:"delivered"`
	Bounced       int     `json:"bounced"`
	Complained    int     `json:"complained"`
	Opens         int     `json:"opens"`
	Clicks        int     `json:"clicks"`
	OpenRate      float64 `json:"open_rate"`
	ClickRate     float64 `json:"click_rate"`
	BounceRate    float64 `json:"bounce_rate"`
	ComplaintRate float64 `json:"complaint_rate"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Queue   *queue.Stats `json:"queue"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats()
	if err != nil {
		s.logger.Error("failed to read queue stats", "error", err)
	}
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Queue:   stats,
	})
}

// handleTrackOpen serves the tracking pixel. Recording failures are logged
// and swallowed: the image must render in every mail client.
func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := s.tracking.RecordOpen(token, "pixel"); err != nil {
		s.logger.Error("failed to record open", "token", token, "error", err)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(trackingPixel)
}

// handleTrackClick records the click and redirects. The redirect happens
// even when recording fails so the reader always lands on the link.
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	destination := r.URL.Query().Get("url")
	if destination == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(destination); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}

	if err := s.tracking.RecordClick(token, destination, "click"); err != nil {
		s.logger.Error("failed to record click", "token", token, "error", err)
	}

	http.Redirect(w, r, destination, http.StatusFound)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	contactID := r.URL.Query().Get("contact")
	if contactID == "" {
		http.Error(w, "missing contact parameter", http.StatusBadRequest)
		return
	}

	contact, err := s.contacts.Get(contactID)
	if err != nil {
		s.logger.Error("failed to load contact", "contact_id", contactID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if contact == nil {
		http.Error(w, "unknown contact", http.StatusNotFound)
		return
	}

	if err := s.suppression.Add(contact.UserID, contact.Email, "unsubscribed"); err != nil {
		s.logger.Error("failed to suppress contact", "contact_id", contactID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("contact unsubscribed", "contact_id", contactID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body><h1>You have been unsubscribed</h1><p>You will not receive further emails from this sender.</p></body></html>`)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	contactID := r.URL.Query().Get("contact")
	if contactID == "" {
		http.Error(w, "missing contact parameter", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><body><h1>Email preferences</h1><p><a href="/unsubscribe?contact=%s">Unsubscribe from all emails</a></p></body></html>`,
		url.QueryEscape(contactID))
}

func (s *Server) handleCampaignSend(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	enqueued, err := s.campaigns.SendCampaign(r.Context(), req.UserID, campaignID)
	if err != nil {
		s.logger.Error("campaign send failed", "campaign_id", campaignID, "error", err)
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, CampaignSendResponse{CampaignID: campaignID, Enqueued: enqueued})
}

func (s *Server) handleCampaignSchedule(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.At.IsZero() || req.At.Before(time.Now()) {
		s.sendError(w, http.StatusBadRequest, "at must be a future time")
		return
	}

	if err := s.campaigns.ScheduleCampaign(r.Context(), req.UserID, campaignID, req.At); err != nil {
		s.logger.Error("campaign schedule failed", "campaign_id", campaignID, "error", err)
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{
		"campaign_id": campaignID,
		"scheduled":   req.At.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCampaignRecover(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	recovered, err := s.campaigns.RecoverCampaignEmails(r.Context(), req.UserID, campaignID)
	if err != nil {
		s.logger.Error("campaign recovery failed", "campaign_id", campaignID, "error", err)
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, CampaignSendResponse{CampaignID: campaignID, Enqueued: recovered})
}

func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	stats, err := s.campaigns.Stats(r.Context(), userID, campaignID)
	if err != nil {
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, statsResponse(campaignID, stats))
}

func statsResponse(campaignID string, stats *store.CampaignStats) CampaignStatsResponse {
	resp := CampaignStatsResponse{
		CampaignID: campaignID,
		Sent:       stats.Sent,
		Delivered:  stats.Delivered,
		Bounced:    stats.Bounced,
		Complained: stats.Complained,
		Opens:      stats.Opens,
		Clicks:     stats.Clicks,
	}
	if stats.Sent > 0 {
		sent := float64(stats.Sent)
		resp.OpenRate = float64(stats.Opens) / sent
		resp.ClickRate = float64(stats.Clicks) / sent
		resp.BounceRate = float64(stats.Bounced) / sent
		resp.ComplaintRate = float64(stats.Complained) / sent
	}
	return resp
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats()
	if err != nil {
		s.logger.Error("failed to read queue stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read queue stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.storage.ListDead(100)
	if err != nil {
		s.logger.Error("failed to list dead jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list dead jobs")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.storage.RetryDead(id); err != nil {
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Info("dead job requeued", "job_id", id)
	s.sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": "pending"})
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	status, err := s.limiter.GetStatus(r.Context(), domain)
	if err != nil {
		s.logger.Error("failed to read rate limit status", "domain", domain, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read rate limit status")
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

func (s *Server) handleInvalidateProviders(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	s.providers.Invalidate(req.UserID)
	s.sendJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "status": "invalidated"})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}
