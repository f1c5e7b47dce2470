package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/events"
	"github.com/generativebots/acp-backend/internal/tenants"
	"github.com/generativebots/acp-backend/internal/webhooks"
)

const (
	defaultListLimit = 25
	maxListLimit     = 200
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	store := "memory"
	if s.db != nil {
		store = "connected"
		if err := s.db.Health(ctx); err != nil {
			store = "error"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": s.cfg.ServiceName,
		"store":   store,
	})
}

func (s *Server) handleOutboxStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	pending, err := s.store.CountPending(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dlq, err := s.store.CountDLQ(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"pending": pending, "dlq": dlq})
}

func (s *Server) handleOutboxPending(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	records, err := s.store.ListPending(r.Context(), tenantID, parseLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleOutboxDLQ(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	records, err := s.store.ListDLQ(r.Context(), tenantID, parseLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

// handleOutboxRequeue resets one dead-lettered envelope to pending. Records
// that exist but are not dead-lettered, or belong to another tenant, report
// not found so ids cannot be probed across tenants.
func (s *Server) handleOutboxRequeue(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	envelopeID := mux.Vars(r)["id"]

	record, err := s.store.Get(r.Context(), envelopeID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if record == nil || !record.DLQ || record.TenantID() != tenantID {
		http.Error(w, "Envelope not found in DLQ", http.StatusNotFound)
		return
	}

	requeued, err := s.store.RequeueFromDLQ(r.Context(), envelopeID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if requeued == nil {
		http.Error(w, "Envelope not found in DLQ", http.StatusNotFound)
		return
	}

	if s.emitter != nil {
		s.emitter.Emit(events.TypeOutboxRequeued, "/api/outbox", envelopeID, tenantID,
			map[string]interface{}{
				"envelope_id": envelopeID,
				"tool_slug":   requeued.Envelope.ToolSlug,
				"source":      "api",
			})
	}
	s.logger.Printf("♻️ Requeued %s from DLQ (tenant %s)", envelopeID, tenantID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "requeued",
		"record": requeued,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	category := audit.Category(r.URL.Query().Get("category"))
	switch category {
	case "", audit.CategoryGuardrail, audit.CategoryOutbox:
	default:
		http.Error(w, "Unknown audit category", http.StatusBadRequest)
		return
	}

	entries, err := s.recorder.Recent(r.Context(), tenantID, category, parseLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	tools, err := s.catalog.ListTools(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(tools),
		"tools": tools,
	})
}

func (s *Server) handleObjectives(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	objs, err := s.objectives.List(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(objs),
		"objectives": objs,
	})
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.analytics == nil {
		http.Error(w, "Analytics not configured", http.StatusNotImplemented)
		return
	}

	summary, err := s.analytics.Summary(r.Context(), tenantID)
	if err != nil {
		// Aggregation reads the store and the audit trail; a failing
		// backend surfaces as a bad gateway, not a server bug.
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// webhookRegistration is the POST /webhooks request body.
type webhookRegistration struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.webhooks == nil {
		http.Error(w, "Webhooks not configured", http.StatusNotImplemented)
		return
	}

	var req webhookRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sub := &webhooks.WebhookSubscription{
		URL:      req.URL,
		Secret:   req.Secret,
		TenantID: tenantID,
	}
	for _, evt := range req.Events {
		sub.Events = append(sub.Events, webhooks.EventType(evt))
	}

	if err := s.webhooks.Register(sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.webhooks == nil {
		http.Error(w, "Webhooks not configured", http.StatusNotImplemented)
		return
	}

	owned := make([]*webhooks.WebhookSubscription, 0)
	for _, sub := range s.webhooks.ListAll() {
		if sub.TenantID == tenantID {
			owned = append(owned, sub)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(owned),
		"webhooks": owned,
	})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.GetTenantID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.webhooks == nil {
		http.Error(w, "Webhooks not configured", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["id"]

	owned := false
	for _, sub := range s.webhooks.ListAll() {
		if sub.ID == id && sub.TenantID == tenantID {
			owned = true
			break
		}
	}
	if !owned {
		http.Error(w, "Webhook not found", http.StatusNotFound)
		return
	}

	if err := s.webhooks.Unregister(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// parseLimit reads ?limit= with a sane default and ceiling.
func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return defaultListLimit
	}
	if value > maxListLimit {
		return maxListLimit
	}
	return value
}
