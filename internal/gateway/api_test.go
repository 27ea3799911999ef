// ABOUTME: Tests for the agent-facing HTTP API handlers
// ABOUTME: Exercises registration, presence, claims, admission, and errors

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborlabs/atoll/internal/auth"
	"github.com/harborlabs/atoll/internal/config"
	"github.com/harborlabs/atoll/internal/hub"
	"github.com/harborlabs/atoll/internal/ratelimit"
	"github.com/harborlabs/atoll/internal/store"
)

const testJWTSecret = "gateway-test-secret-key"

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: "unused"},
		Auth: config.AuthConfig{
			JWTSecret:     testJWTSecret,
			AgentTokenTTL: time.Hour,
			AdminTokenTTL: time.Hour,
		},
		Limits: config.LimitsConfig{
			RequestsPerWindow: 100,
			Window:            time.Minute,
		},
		Lifecycle: config.LifecycleConfig{
			InactivityThreshold: 7 * 24 * time.Hour,
			WarningLead:         2 * 24 * time.Hour,
		},
		Hub: config.HubConfig{
			BufferSize:        16,
			KeepaliveInterval: 50 * time.Millisecond,
		},
	}
}

func newTestGateway(t *testing.T) (*Gateway, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	gw := newGateway(testConfig(), s, slog.New(slog.DiscardHandler))
	t.Cleanup(func() {
		gw.hub.Close()
		for _, l := range gw.limiters {
			l.Close()
		}
	})
	return gw, s
}

func seedTestCity(t *testing.T, s *store.MockStore, id, country string, reserved bool) {
	t.Helper()
	_, err := s.ImportCities(t.Context(), []*store.City{{
		ID:          id,
		Name:        id,
		CountryCode: country,
		CountryName: country,
		Lat:         48.0,
		Lng:         11.0,
		Reserved:    reserved,
	}})
	require.NoError(t, err)
}

func seedTestAgent(t *testing.T, s *store.MockStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreateAgent(t.Context(), &store.Agent{
		ID:            id,
		Name:          id,
		State:         store.TerritoryUnassigned,
		LastHeartbeat: now,
		CreatedAt:     now,
	}))
}

func agentToken(t *testing.T, gw *Gateway, agentID string) string {
	t.Helper()
	token, err := gw.verifier.Generate(agentID, auth.RoleAgent, time.Hour)
	require.NoError(t, err)
	return token
}

func adminToken(t *testing.T, gw *Gateway) string {
	t.Helper()
	token, err := gw.verifier.Generate("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	return token
}

func doJSON(gw *Gateway, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRegisterAgent_AssignsCity(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestCity(t, s, "de-munich", "DE", false)

	rec := doJSON(gw, http.MethodPost, "/api/agents", "", RegisterAgentRequest{
		Name:        "wanderer",
		Secret:      "a verification secret",
		CountryCode: "DE",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp RegisterAgentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.AgentID)
	assert.NotEmpty(t, resp.Token)
	require.NotNil(t, resp.City)
	assert.Equal(t, "de-munich", resp.City.ID)

	// The returned token authenticates as the new agent.
	identity, err := gw.verifier.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.AgentID, identity.Subject)

	agent, err := s.GetAgent(t.Context(), resp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.TerritoryHolding, agent.State)
	assert.True(t, auth.CheckSecret(agent.SecretHash, "a verification secret"))
}

func TestRegisterAgent_NoAvailabilityLeavesAgentUnassigned(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestCity(t, s, "fr-lyon", "FR", false)

	rec := doJSON(gw, http.MethodPost, "/api/agents", "", RegisterAgentRequest{
		Name:        "wanderer",
		Secret:      "a verification secret",
		CountryCode: "DE",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp RegisterAgentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Nil(t, resp.City)
	require.Len(t, resp.Suggested, 1)
	assert.Equal(t, "FR", resp.Suggested[0].CountryCode)

	agent, err := s.GetAgent(t.Context(), resp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.TerritoryUnassigned, agent.State)
}

func TestRegisterAgent_InvalidBody(t *testing.T) {
	gw, _ := newTestGateway(t)

	for name, body := range map[string]RegisterAgentRequest{
		"missing name":      {Secret: "s3cret", CountryCode: "DE"},
		"missing secret":    {Name: "wanderer", CountryCode: "DE"},
		"missing country":   {Name: "wanderer", Secret: "s3cret"},
		"alpha-3 country":   {Name: "wanderer", Secret: "s3cret", CountryCode: "DEU"},
		"lowercase country": {Name: "wanderer", Secret: "s3cret", CountryCode: "de"},
	} {
		rec := doJSON(gw, http.MethodPost, "/api/agents", "", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestRegisterAgent_MalformedCountryPersistsNothing(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestCity(t, s, "de-munich", "DE", false)

	rec := doJSON(gw, http.MethodPost, "/api/agents", "", RegisterAgentRequest{
		Name:        "wanderer",
		Secret:      "a verification secret",
		CountryCode: "DEU",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// A rejected registration must not leave an orphaned agent behind.
	agents, err := s.ListAgentsInactiveSince(t.Context(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestHeartbeat_UpdatesTimestamp(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")
	require.NoError(t, s.TouchHeartbeat(t.Context(), "agent-1", time.Now().Add(-time.Hour)))

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/heartbeat", agentToken(t, gw, "agent-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	agent, err := s.GetAgent(t.Context(), "agent-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), agent.LastHeartbeat, 5*time.Second)
}

func TestHeartbeat_ExiledAgentStillAccepted(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")
	_, err := s.MarkAgentExiled(t.Context(), "agent-1", -30, -140)
	require.NoError(t, err)

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/heartbeat", agentToken(t, gw, "agent-1"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Heartbeating never resurrects an exiled agent.
	agent, err := s.GetAgent(t.Context(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.TerritoryExiled, agent.State)
}

func TestHeartbeat_TokenMismatch(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")
	seedTestAgent(t, s, "agent-2")

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/heartbeat", agentToken(t, gw, "agent-2"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHeartbeat_NoToken(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/heartbeat", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPosition_ExiledAgentRejected(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")
	_, err := s.MarkAgentExiled(t.Context(), "agent-1", -30, -140)
	require.NoError(t, err)

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/position", agentToken(t, gw, "agent-1"), PositionRequest{Lat: 48, Lng: 11})
	assert.Equal(t, http.StatusConflict, rec.Code)

	agent, err := s.GetAgent(t.Context(), "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, -30.0, agent.Lat, 0.001, "position stays pinned")
}

func TestPosition_OutOfRange(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/position", agentToken(t, gw, "agent-1"), PositionRequest{Lat: 95, Lng: 11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimAndRelease_RoundTrip(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestCity(t, s, "de-munich", "DE", false)
	seedTestAgent(t, s, "agent-1")
	token := agentToken(t, gw, "agent-1")

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/claim", token, ClaimRequest{CountryCode: "DE"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(gw, http.MethodPost, "/api/agents/agent-1/release", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	city, err := s.GetCity(t.Context(), "de-munich")
	require.NoError(t, err)
	assert.Nil(t, city.OwnerAgentID)

	// A second release reports the agent holds nothing.
	rec = doJSON(gw, http.MethodPost, "/api/agents/agent-1/release", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClaim_NoAvailabilityIsStructuredConflict(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestCity(t, s, "fr-lyon", "FR", false)
	seedTestAgent(t, s, "agent-1")

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/claim", agentToken(t, gw, "agent-1"), ClaimRequest{CountryCode: "DE"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		CountryCode string                        `json:"country_code"`
		Suggested   []CountryAvailabilityResponse `json:"suggested_countries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "DE", resp.CountryCode)
	require.Len(t, resp.Suggested, 1)
	assert.Equal(t, "FR", resp.Suggested[0].CountryCode)
}

func TestAvailability(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestCity(t, s, "de-munich", "DE", false)
	seedTestCity(t, s, "de-hamburg", "DE", false)

	rec := doJSON(gw, http.MethodGet, "/api/availability", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Countries []CountryAvailabilityResponse `json:"countries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Countries, 1)
	assert.Equal(t, 2, resp.Countries[0].Available)
}

func TestMessage_InvalidScope(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")

	rec := doJSON(gw, http.MethodPost, "/api/messages", agentToken(t, gw, "agent-1"), MessageRequest{
		Scope: "galaxy:42",
		Text:  "hello",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessage_CommunityKinds(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")
	token := agentToken(t, gw, "agent-1")

	sub := gw.hub.Subscribe(t.Context(), hub.Community("reef"))

	rec := doJSON(gw, http.MethodPost, "/api/messages", token, MessageRequest{
		Scope: "community:reef",
		Kind:  "reaction_added",
		Emoji: ":wave:",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	select {
	case event := <-sub.Events():
		assert.Equal(t, hub.EventReactionAdded, event.Kind)
		assert.Equal(t, ":wave:", event.Emoji)
		assert.Equal(t, "agent-1", event.AgentID)
	case <-time.After(time.Second):
		t.Fatal("no reaction event received")
	}

	rec = doJSON(gw, http.MethodPost, "/api/messages", token, MessageRequest{
		Scope: "community:reef",
		Kind:  "activity_posted",
		Text:  "planted a flag",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	select {
	case event := <-sub.Events():
		assert.Equal(t, hub.EventActivityPosted, event.Kind)
		assert.Equal(t, "planted a flag", event.Text)
	case <-time.After(time.Second):
		t.Fatal("no activity event received")
	}
}

func TestMessage_KindValidation(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")
	token := agentToken(t, gw, "agent-1")

	for name, body := range map[string]MessageRequest{
		"unknown kind":           {Scope: "community:reef", Kind: "karaoke", Text: "x"},
		"kind outside community": {Scope: "map", Kind: "reaction_added", Emoji: ":wave:"},
		"reaction without emoji": {Scope: "community:reef", Kind: "reaction_added"},
		"membership without text": {
			Scope: "community:reef", Kind: "membership_changed",
		},
	} {
		rec := doJSON(gw, http.MethodPost, "/api/messages", token, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestStatus_PublishesStatusAndPinEvents(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")

	sub := gw.hub.Subscribe(t.Context(), hub.GlobalMap())

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/status", agentToken(t, gw, "agent-1"), StatusRequest{
		Status: "surveying",
		Pin:    "lighthouse",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := make(map[hub.EventKind]*hub.Event)
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case event := <-sub.Events():
			got[event.Kind] = event
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	require.Contains(t, got, hub.EventStatusChanged)
	assert.Equal(t, "surveying", got[hub.EventStatusChanged].Status)
	require.Contains(t, got, hub.EventPinChanged)
	assert.Equal(t, "lighthouse", got[hub.EventPinChanged].Pin)
}

func TestStatus_EmptyBodyRejected(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestAgent(t, s, "agent-1")

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/status", agentToken(t, gw, "agent-1"), StatusRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenRefresh(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestCity(t, s, "de-munich", "DE", false)

	rec := doJSON(gw, http.MethodPost, "/api/agents", "", RegisterAgentRequest{
		Name:        "wanderer",
		Secret:      "a verification secret",
		CountryCode: "DE",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg RegisterAgentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reg))

	// The registration secret mints a fresh token without a bearer token.
	rec = doJSON(gw, http.MethodPost, "/api/agents/"+reg.AgentID+"/token", "", TokenRefreshRequest{
		Secret: "a verification secret",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	identity, err := gw.verifier.Verify(resp["token"])
	require.NoError(t, err)
	assert.Equal(t, reg.AgentID, identity.Subject)

	rec = doJSON(gw, http.MethodPost, "/api/agents/"+reg.AgentID+"/token", "", TokenRefreshRequest{
		Secret: "wrong secret",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(gw, http.MethodPost, "/api/agents/no-such-agent/token", "", TokenRefreshRequest{
		Secret: "a verification secret",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit_RegisterReturns429WithRetryAfter(t *testing.T) {
	gw, s := newTestGateway(t)
	gw.limiters[limitRegister].Close()
	gw.limiters[limitRegister] = ratelimit.New(2, time.Minute)
	seedTestCity(t, s, "de-munich", "DE", false)

	var last *httptest.ResponseRecorder
	for i := range 3 {
		last = doJSON(gw, http.MethodPost, "/api/agents", "", RegisterAgentRequest{
			Name:        fmt.Sprintf("agent-%d", i),
			Secret:      "a verification secret",
			CountryCode: "DE",
		})
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestStream_DeliversPublishedEvents(t *testing.T) {
	gw, s := newTestGateway(t)
	seedTestCity(t, s, "de-munich", "DE", false)
	seedTestAgent(t, s, "agent-1")

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stream?scope=map")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rec := doJSON(gw, http.MethodPost, "/api/agents/agent-1/claim", agentToken(t, gw, "agent-1"), ClaimRequest{CountryCode: "DE"})
	require.Equal(t, http.StatusOK, rec.Code)

	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			got += string(buf[:n])
		}
		if err != nil {
			break
		}
		if bytes.Contains([]byte(got), []byte("event: agent_claimed")) {
			break
		}
	}
	assert.Contains(t, got, "event: agent_claimed")
	assert.Contains(t, got, "de-munich")
}

func TestStream_InvalidScope(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doJSON(gw, http.MethodGet, "/api/stream?scope=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
