// ABOUTME: HTTP API handlers for agent registration, presence, and claims
// ABOUTME: Claim outcomes carry suggested countries when none are available

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborlabs/atoll/internal/auth"
	"github.com/harborlabs/atoll/internal/hub"
	"github.com/harborlabs/atoll/internal/store"
	"github.com/harborlabs/atoll/internal/territory"
)

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	Name        string `json:"name"`
	Secret      string `json:"secret"`
	CountryCode string `json:"country_code"`
}

// CityResponse is the JSON shape of an assigned city.
type CityResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name,omitempty"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Timezone    string  `json:"timezone,omitempty"`
}

// CountryAvailabilityResponse is one row of GET /api/availability.
type CountryAvailabilityResponse struct {
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name,omitempty"`
	Available   int    `json:"available"`
}

// RegisterAgentResponse is the JSON response for POST /api/agents.
// City is null when the requested country had no open cities; Suggested
// then carries alternatives with capacity.
type RegisterAgentResponse struct {
	AgentID   string                        `json:"agent_id"`
	Token     string                        `json:"token"`
	City      *CityResponse                 `json:"city"`
	Suggested []CountryAvailabilityResponse `json:"suggested_countries,omitempty"`
}

// ClaimRequest is the JSON request body for POST /api/agents/{id}/claim.
type ClaimRequest struct {
	CountryCode string `json:"country_code"`
}

// PositionRequest is the JSON request body for POST /api/agents/{id}/position.
type PositionRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MessageRequest is the JSON request body for POST /api/messages. Kind is
// optional; community scopes accept membership, activity, and reaction
// kinds in addition to plain messages.
type MessageRequest struct {
	Scope string `json:"scope"`
	Text  string `json:"text"`
	Kind  string `json:"kind,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// StatusRequest is the JSON request body for POST /api/agents/{id}/status.
// At least one of Status or Pin must be set.
type StatusRequest struct {
	Status string `json:"status,omitempty"`
	Pin    string `json:"pin,omitempty"`
}

// TokenRefreshRequest is the JSON request body for POST /api/agents/{id}/token.
type TokenRefreshRequest struct {
	Secret string `json:"secret"`
}

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if !g.admit(w, limitRegister, remoteIP(r)) {
		return
	}

	req, err := parseRegisterRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	secretHash, err := auth.HashSecret(req.Secret)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid secret")
		return
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:            uuid.New().String(),
		Name:          req.Name,
		SecretHash:    secretHash,
		State:         store.TerritoryUnassigned,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := g.store.CreateAgent(r.Context(), agent); err != nil {
		g.logger.Error("failed to create agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	token, err := g.verifier.Generate(agent.ID, auth.RoleAgent, g.config.Auth.AgentTokenTTL)
	if err != nil {
		g.logger.Error("failed to issue token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.hub.Publish(hub.GlobalMap(), &hub.Event{
		Kind:      hub.EventAgentCreated,
		Timestamp: now,
		AgentID:   agent.ID,
	})

	resp := RegisterAgentResponse{AgentID: agent.ID, Token: token}
	city, err := g.allocator.ClaimRandom(r.Context(), agent.ID, req.CountryCode)
	switch {
	case err == nil:
		resp.City = cityResponse(city)
	default:
		var noAvail *territory.NoAvailabilityError
		if !errors.As(err, &noAvail) {
			g.logger.Error("claim during registration failed", "agent_id", agent.ID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		// Agent stays unassigned; it can claim elsewhere later.
		resp.Suggested = suggestedResponse(noAvail.Suggested)
	}

	g.sendJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := g.requireAgent(w, r, agentID); !ok {
		return
	}
	if !g.admit(w, limitHeartbeat, agentID) {
		return
	}

	// Exiled agents may still heartbeat; it just never resurrects them.
	if err := g.store.TouchHeartbeat(r.Context(), agentID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("heartbeat failed", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handlePosition(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := g.requireAgent(w, r, agentID); !ok {
		return
	}

	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		g.sendJSONError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	agent, err := g.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("loading agent failed", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if agent.State == store.TerritoryExiled {
		// Exiled positions are pinned to the ocean coordinate.
		g.sendJSONError(w, http.StatusConflict, "agent is exiled")
		return
	}

	if err := g.store.UpdateAgentPosition(r.Context(), agentID, req.Lat, req.Lng); err != nil {
		g.logger.Error("position update failed", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	event := &hub.Event{
		Kind:      hub.EventAgentMoved,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Lat:       req.Lat,
		Lng:       req.Lng,
	}
	g.hub.Publish(hub.GlobalMap(), event)
	g.hub.Publish(hub.Agent(agentID), event)

	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := g.requireAgent(w, r, agentID); !ok {
		return
	}
	if !g.admit(w, limitClaim, agentID) {
		return
	}

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	city, err := g.allocator.ClaimRandom(r.Context(), agentID, req.CountryCode)
	if err != nil {
		g.writeClaimError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"city": cityResponse(city)})
}

func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := g.requireAgent(w, r, agentID); !ok {
		return
	}

	city, err := g.allocator.Release(r.Context(), agentID, agentID, "voluntary release")
	if err != nil {
		switch {
		case errors.Is(err, territory.ErrNoCity):
			g.sendJSONError(w, http.StatusConflict, "agent holds no city")
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
		default:
			g.logger.Error("release failed", "agent_id", agentID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"released": city.ID})
}

func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.FromRequest(g.verifier, r)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !g.admit(w, limitMessage, identity.Subject) {
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	scope, err := hub.ParseScope(req.Scope)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, err := messageKind(scope, &req)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.hub.Publish(scope, &hub.Event{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		AgentID:   identity.Subject,
		Text:      req.Text,
		Emoji:     req.Emoji,
	})
	g.sendJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// communityKinds are the explicit kinds a client may post to a community
// scope beyond plain messages.
var communityKinds = map[string]hub.EventKind{
	"membership_changed": hub.EventMembershipChanged,
	"activity_posted":    hub.EventActivityPosted,
	"reaction_added":     hub.EventReactionAdded,
}

// messageKind resolves the event kind for a publish request and validates
// the payload fields the kind needs.
func messageKind(scope hub.Scope, req *MessageRequest) (hub.EventKind, error) {
	if req.Kind != "" {
		kind, ok := communityKinds[req.Kind]
		if !ok {
			return "", errors.New("unknown message kind")
		}
		if !strings.HasPrefix(req.Scope, "community:") {
			return "", errors.New("kind requires a community scope")
		}
		if kind == hub.EventReactionAdded {
			if req.Emoji == "" {
				return "", errors.New("emoji is required for reactions")
			}
			return kind, nil
		}
		if req.Text == "" {
			return "", errors.New("text is required")
		}
		return kind, nil
	}

	if req.Text == "" {
		return "", errors.New("text is required")
	}
	switch {
	case scope == hub.GlobalMap() || scope == hub.Broadcast():
		return hub.EventAnnouncement, nil
	case strings.HasPrefix(req.Scope, "community:"):
		return hub.EventCommunityMessage, nil
	}
	return hub.EventDirectMessage, nil
}

// handleStatus publishes a status or pin change for the agent. Nothing is
// persisted; presence is a broadcast concern.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := g.requireAgent(w, r, agentID); !ok {
		return
	}
	if !g.admit(w, limitMessage, agentID) {
		return
	}

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status == "" && req.Pin == "" {
		g.sendJSONError(w, http.StatusBadRequest, "status or pin is required")
		return
	}

	now := time.Now().UTC()
	if req.Status != "" {
		event := &hub.Event{
			Kind:      hub.EventStatusChanged,
			Timestamp: now,
			AgentID:   agentID,
			Status:    req.Status,
		}
		g.hub.Publish(hub.GlobalMap(), event)
		g.hub.Publish(hub.Agent(agentID), event)
	}
	if req.Pin != "" {
		event := &hub.Event{
			Kind:      hub.EventPinChanged,
			Timestamp: now,
			AgentID:   agentID,
			Pin:       req.Pin,
		}
		g.hub.Publish(hub.GlobalMap(), event)
		g.hub.Publish(hub.Agent(agentID), event)
	}

	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTokenRefresh mints a fresh agent token for callers that still hold
// the registration secret. This is how an agent recovers from a lost or
// expired token without re-registering.
func (g *Gateway) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if !g.admit(w, limitRegister, remoteIP(r)) {
		return
	}
	agentID := r.PathValue("id")

	var req TokenRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Secret == "" {
		g.sendJSONError(w, http.StatusBadRequest, "secret is required")
		return
	}

	agent, err := g.store.GetAgent(r.Context(), agentID)
	if err != nil {
		// A wrong id and a wrong secret are indistinguishable to the caller.
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !auth.CheckSecret(agent.SecretHash, req.Secret) {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := g.verifier.Generate(agent.ID, auth.RoleAgent, g.config.Auth.AgentTokenTTL)
	if err != nil {
		g.logger.Error("failed to issue token", "agent_id", agent.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (g *Gateway) handleAvailability(w http.ResponseWriter, r *http.Request) {
	counts, err := g.allocator.CountryAvailability(r.Context())
	if err != nil {
		g.logger.Error("availability query failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"countries": suggestedResponse(counts)})
}

// writeClaimError maps allocator errors onto HTTP statuses. A country with
// no open cities is a structured 409 payload, not a server fault.
func (g *Gateway) writeClaimError(w http.ResponseWriter, err error) {
	var noAvail *territory.NoAvailabilityError
	switch {
	case errors.As(err, &noAvail):
		g.sendJSON(w, http.StatusConflict, map[string]any{
			"error":               "no cities available",
			"country_code":        noAvail.CountryCode,
			"suggested_countries": suggestedResponse(noAvail.Suggested),
		})
	case errors.Is(err, territory.ErrUnknownCountry):
		g.sendJSONError(w, http.StatusBadRequest, "invalid country code")
	case errors.Is(err, territory.ErrAgentExiled):
		g.sendJSONError(w, http.StatusConflict, "agent is exiled")
	case errors.Is(err, territory.ErrAlreadyHolding):
		g.sendJSONError(w, http.StatusConflict, "agent already holds a city")
	case errors.Is(err, territory.ErrCityOwned):
		g.sendJSONError(w, http.StatusConflict, "city is already owned")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	default:
		g.logger.Error("claim failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseRegisterRequest parses and validates a RegisterAgentRequest from
// the given reader.
func parseRegisterRequest(r io.Reader) (*RegisterAgentRequest, error) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}
	if req.Secret == "" {
		return nil, errors.New("secret is required")
	}
	if req.CountryCode == "" {
		return nil, errors.New("country_code is required")
	}
	if !territory.ValidCountryCode(req.CountryCode) {
		return nil, errors.New("country_code must be two uppercase letters")
	}
	return &req, nil
}

func cityResponse(c *store.City) *CityResponse {
	return &CityResponse{
		ID:          c.ID,
		Name:        c.Name,
		CountryCode: c.CountryCode,
		CountryName: c.CountryName,
		Lat:         c.Lat,
		Lng:         c.Lng,
		Timezone:    c.Timezone,
	}
}

func suggestedResponse(counts []store.CountryCount) []CountryAvailabilityResponse {
	out := make([]CountryAvailabilityResponse, 0, len(counts))
	for _, c := range counts {
		out = append(out, CountryAvailabilityResponse{
			CountryCode: c.CountryCode,
			CountryName: c.CountryName,
			Available:   c.Available,
		})
	}
	return out
}
