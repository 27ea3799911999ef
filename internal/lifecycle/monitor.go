// ABOUTME: Inactivity lifecycle monitor sweeping stale agents into exile
// ABOUTME: Exile releases any held city and pins the agent to ocean coordinates

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborlabs/atoll/internal/hub"
	"github.com/harborlabs/atoll/internal/ocean"
	"github.com/harborlabs/atoll/internal/store"
)

// DefaultThreshold is the heartbeat age past which an agent is exiled.
const DefaultThreshold = 7 * 24 * time.Hour

// DefaultWarningLead is how long before the threshold an agent counts as
// approaching inactivity.
const DefaultWarningLead = 2 * 24 * time.Hour

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Checked int `json:"checked"`
	Exiled  int `json:"exiled"`
	Errors  int `json:"errors"`
}

// Monitor finds agents whose heartbeat has gone stale and exiles them.
// Sweeps are safe to run concurrently from multiple instances: the exile
// transition is a conditional write, only one sweep wins it, and only the
// winner touches the held city.
type Monitor struct {
	store  store.Store
	hub    *hub.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New creates a monitor. Pass nil logger for default.
func New(s store.Store, h *hub.Hub, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:  s,
		hub:    h,
		logger: logger.With("component", "lifecycle"),
		now:    time.Now,
	}
}

// Sweep exiles every non-exiled agent whose last heartbeat is older than
// threshold. One failing agent does not abort the pass; it is counted and
// the sweep continues.
func (m *Monitor) Sweep(ctx context.Context, threshold time.Duration) (*SweepResult, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	cutoff := m.now().UTC().Add(-threshold)

	stale, err := m.store.ListAgentsInactiveSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing inactive agents: %w", err)
	}

	result := &SweepResult{Checked: len(stale)}
	for _, agent := range stale {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		exiled, err := m.exile(ctx, agent, "heartbeat past inactivity threshold")
		// The exile transition can win and a later step still fail, so an
		// error does not negate the exile itself.
		if exiled {
			result.Exiled++
		}
		if err != nil {
			result.Errors++
			m.logger.Error("exile incomplete", "agent_id", agent.ID, "exiled", exiled, "error", err)
		}
	}

	m.logger.Info("sweep complete",
		"checked", result.Checked,
		"exiled", result.Exiled,
		"errors", result.Errors,
		"threshold", threshold.String(),
	)
	return result, nil
}

// Exile forces the transition for one agent immediately, outside any
// sweep. Returns false when the agent is already exiled.
func (m *Monitor) Exile(ctx context.Context, agentID string) (bool, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("loading agent: %w", err)
	}
	return m.exile(ctx, agent, "administrative exile")
}

// exile performs the full transition for one agent. Returns false when a
// concurrent sweep already exiled it. The exile write goes first: only its
// winner releases the held city, so overlapping sweeps can never release
// the same city twice or strip a new owner.
func (m *Monitor) exile(ctx context.Context, agent *store.Agent, reason string) (bool, error) {
	lat, lng, zone := ocean.Compute(agent.ID)
	won, err := m.store.MarkAgentExiled(ctx, agent.ID, lat, lng)
	if err != nil {
		return false, fmt.Errorf("marking exiled: %w", err)
	}
	if !won {
		return false, nil
	}

	if agent.CityID != nil {
		if err := m.releaseCity(ctx, agent, reason); err != nil {
			return true, err
		}
	}

	entry := &store.AssignmentLogEntry{
		AgentID: agent.ID,
		Actor:   store.ActorSystem,
		Reason:  reason,
		Kind:    store.ActionForcedExile,
	}
	if agent.CityID != nil {
		entry.CityID = *agent.CityID
	}
	if err := m.store.AppendAssignmentLog(ctx, entry); err != nil {
		return true, fmt.Errorf("logging exile: %w", err)
	}

	m.logger.Info("exiled inactive agent",
		"agent_id", agent.ID,
		"zone", zone,
		"lat", lat,
		"lng", lng,
		"last_heartbeat", agent.LastHeartbeat.Format(time.RFC3339),
	)
	m.publishExile(agent.ID, lat, lng, zone)
	return true, nil
}

// releaseCity returns the exiled agent's city to the open pool. The write
// is conditional on the agent still being the owner; losing it means an
// administrator released or transferred the city first, which is not an
// error.
func (m *Monitor) releaseCity(ctx context.Context, agent *store.Agent, reason string) error {
	cityID := *agent.CityID
	released, err := m.store.ReleaseCity(ctx, cityID, agent.ID)
	if err != nil {
		return fmt.Errorf("releasing city %s: %w", cityID, err)
	}
	if !released {
		return nil
	}

	entry := &store.AssignmentLogEntry{
		CityID:  cityID,
		AgentID: agent.ID,
		Actor:   store.ActorSystem,
		Reason:  reason,
		Kind:    store.ActionRelease,
	}
	if err := m.store.AppendAssignmentLog(ctx, entry); err != nil {
		return fmt.Errorf("logging release: %w", err)
	}

	m.logger.Info("released exiled agent's city", "city_id", cityID, "agent_id", agent.ID)
	if m.hub != nil {
		event := &hub.Event{
			Kind:      hub.EventAgentReleased,
			Timestamp: time.Now().UTC(),
			AgentID:   agent.ID,
			CityID:    cityID,
		}
		m.hub.Publish(hub.GlobalMap(), event)
		m.hub.Publish(hub.Agent(agent.ID), event)
	}
	return nil
}

// ApproachingInactivity lists agents inside the warning window: past the
// warning lead but not yet past the exile threshold.
func (m *Monitor) ApproachingInactivity(ctx context.Context, threshold, warningLead time.Duration) ([]*store.Agent, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if warningLead <= 0 {
		warningLead = DefaultWarningLead
	}
	now := m.now().UTC()

	warned, err := m.store.ListAgentsInactiveSince(ctx, now.Add(-(threshold - warningLead)))
	if err != nil {
		return nil, fmt.Errorf("listing warned agents: %w", err)
	}

	exileCutoff := now.Add(-threshold)
	approaching := make([]*store.Agent, 0, len(warned))
	for _, agent := range warned {
		if agent.LastHeartbeat.After(exileCutoff) {
			approaching = append(approaching, agent)
		}
	}
	return approaching, nil
}

// PastThreshold lists agents already eligible for exile on the next sweep.
func (m *Monitor) PastThreshold(ctx context.Context, threshold time.Duration) ([]*store.Agent, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	agents, err := m.store.ListAgentsInactiveSince(ctx, m.now().UTC().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("listing stale agents: %w", err)
	}
	return agents, nil
}

func (m *Monitor) publishExile(agentID string, lat, lng float64, zone string) {
	if m.hub == nil {
		return
	}
	now := time.Now().UTC()
	m.hub.Publish(hub.GlobalMap(), &hub.Event{
		Kind:      hub.EventAgentMoved,
		Timestamp: now,
		AgentID:   agentID,
		Lat:       lat,
		Lng:       lng,
		Zone:      zone,
	})
	m.hub.Publish(hub.GlobalMap(), &hub.Event{
		Kind:      hub.EventAgentExiled,
		Timestamp: now,
		AgentID:   agentID,
		Lat:       lat,
		Lng:       lng,
		Zone:      zone,
	})
	m.hub.Publish(hub.Agent(agentID), &hub.Event{
		Kind:      hub.EventAgentExiled,
		Timestamp: now,
		AgentID:   agentID,
		Lat:       lat,
		Lng:       lng,
		Zone:      zone,
	})
}
