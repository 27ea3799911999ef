// ABOUTME: Administrative HTTP handlers: assignment, exile, sweeps, cleanup
// ABOUTME: Every mutation records the admin identity as the log actor

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/harborlabs/atoll/internal/auth"
	"github.com/harborlabs/atoll/internal/store"
	"github.com/harborlabs/atoll/internal/territory"
)

// AdminAssignRequest is the JSON request body for POST /api/admin/assign.
type AdminAssignRequest struct {
	CityID  string `json:"city_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// AdminReleaseRequest is the JSON request body for POST /api/admin/release.
type AdminReleaseRequest struct {
	AgentID    string `json:"agent_id"`
	Reason     string `json:"reason"`
	ForceExile bool   `json:"force_exile"`
}

// AdminTransferRequest is the JSON request body for POST /api/admin/transfer.
type AdminTransferRequest struct {
	CityID      string `json:"city_id"`
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
	Reason      string `json:"reason"`
}

// AgentSummary is the JSON shape of an agent in admin listings.
type AgentSummary struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	State         string  `json:"state"`
	CityID        *string `json:"city_id"`
	LastHeartbeat string  `json:"last_heartbeat"`
}

// LogEntryResponse is one row of GET /api/admin/log.
type LogEntryResponse struct {
	ID        string `json:"id"`
	CityID    string `json:"city_id,omitempty"`
	AgentID   string `json:"agent_id"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
}

func (g *Gateway) handleAdminAssign(w http.ResponseWriter, r *http.Request) {
	var req AdminAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CityID == "" || req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "city_id and agent_id are required")
		return
	}

	actor := identityFrom(r.Context()).Subject
	city, err := g.allocator.ClaimSpecific(r.Context(), req.CityID, req.AgentID, actor, req.Reason)
	if err != nil {
		g.writeClaimError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"city": cityResponse(city)})
}

func (g *Gateway) handleAdminRelease(w http.ResponseWriter, r *http.Request) {
	var req AdminReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	actor := identityFrom(r.Context()).Subject

	if req.ForceExile {
		exiled, err := g.monitor.Exile(r.Context(), req.AgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.sendJSONError(w, http.StatusNotFound, "agent not found")
				return
			}
			g.logger.Error("forced exile failed", "agent_id", req.AgentID, "actor", actor, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, map[string]any{"exiled": exiled})
		return
	}

	city, err := g.allocator.Release(r.Context(), req.AgentID, actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, territory.ErrNoCity):
			g.sendJSONError(w, http.StatusConflict, "agent holds no city")
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
		default:
			g.logger.Error("admin release failed", "agent_id", req.AgentID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"released": city.ID})
}

func (g *Gateway) handleAdminTransfer(w http.ResponseWriter, r *http.Request) {
	var req AdminTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CityID == "" || req.FromAgentID == "" || req.ToAgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "city_id, from_agent_id and to_agent_id are required")
		return
	}

	actor := identityFrom(r.Context()).Subject
	city, err := g.allocator.Transfer(r.Context(), req.CityID, req.FromAgentID, req.ToAgentID, actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, territory.ErrNoCity):
			g.sendJSONError(w, http.StatusConflict, "source agent does not hold that city")
		default:
			g.writeClaimError(w, err)
		}
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"city": cityResponse(city)})
}

func (g *Gateway) handleAdminInactive(w http.ResponseWriter, r *http.Request) {
	threshold := g.config.Lifecycle.InactivityThreshold
	warning := g.config.Lifecycle.WarningLead

	var (
		agents []*store.Agent
		err    error
	)
	window := r.URL.Query().Get("window")
	switch window {
	case "", "past":
		agents, err = g.monitor.PastThreshold(r.Context(), threshold)
	case "approaching":
		agents, err = g.monitor.ApproachingInactivity(r.Context(), threshold, warning)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "window must be approaching or past")
		return
	}
	if err != nil {
		g.logger.Error("inactive listing failed", "window", window, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentSummary{
			ID:            a.ID,
			Name:          a.Name,
			State:         string(a.State),
			CityID:        a.CityID,
			LastHeartbeat: a.LastHeartbeat.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (g *Gateway) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	result, err := g.monitor.Sweep(r.Context(), g.config.Lifecycle.InactivityThreshold)
	if err != nil {
		g.logger.Error("sweep failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := g.store.DeleteExpiredSessions(r.Context(), time.Now().UTC())
	if err != nil {
		g.logger.Error("session cleanup failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleAdminToken mints a fresh admin token and records its session so
// expired sessions can be reaped by cleanup.
func (g *Gateway) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	subject := identityFrom(r.Context()).Subject
	ttl := g.config.Auth.AdminTokenTTL

	token, err := g.verifier.Generate(subject, auth.RoleAdmin, ttl)
	if err != nil {
		g.logger.Error("token generation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	now := time.Now().UTC()
	session := &store.AdminSession{
		ID:        uuid.New().String(),
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := g.store.CreateAdminSession(r.Context(), session); err != nil {
		g.logger.Error("session record failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"session_id": session.ID,
		"expires_at": session.ExpiresAt.Format(time.RFC3339),
	})
}

func (g *Gateway) handleAdminLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := g.store.ListAssignmentLog(r.Context(), r.URL.Query().Get("city_id"), limit)
	if err != nil {
		g.logger.Error("log listing failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]LogEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogEntryResponse{
			ID:        e.ID,
			CityID:    e.CityID,
			AgentID:   e.AgentID,
			Actor:     e.Actor,
			Reason:    e.Reason,
			Kind:      string(e.Kind),
			Timestamp: e.Timestamp.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"entries": out})
}
