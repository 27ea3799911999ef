// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows allocator and lifecycle tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing. Its
// conditional writes (ConditionalAssignCity, MarkAgentExiled) are atomic
// under the mutex, matching the SQLite implementation's semantics.
type MockStore struct {
	mu       sync.RWMutex
	cities   map[string]*City
	agents   map[string]*Agent
	log      []*AssignmentLogEntry
	sessions map[string]*AdminSession
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		cities:   make(map[string]*City),
		agents:   make(map[string]*Agent),
		sessions: make(map[string]*AdminSession),
	}
}

// ImportCities inserts cities, skipping existing ids.
func (m *MockStore) ImportCities(ctx context.Context, cities []*City) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, c := range cities {
		if _, exists := m.cities[c.ID]; exists {
			continue
		}
		cp := *c
		m.cities[c.ID] = &cp
		inserted++
	}
	return inserted, nil
}

// GetCity returns a copy of the city.
func (m *MockStore) GetCity(ctx context.Context, id string) (*City, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	if c.OwnerAgentID != nil {
		owner := *c.OwnerAgentID
		cp.OwnerAgentID = &owner
	}
	return &cp, nil
}

// ListAvailableCities returns unowned cities in the country.
func (m *MockStore) ListAvailableCities(ctx context.Context, countryCode string, includeReserved bool) ([]*City, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cities []*City
	for _, c := range m.cities {
		if c.CountryCode != countryCode || c.OwnerAgentID != nil {
			continue
		}
		if c.Reserved && !includeReserved {
			continue
		}
		cp := *c
		cities = append(cities, &cp)
	}
	sort.Slice(cities, func(i, j int) bool { return cities[i].ID < cities[j].ID })
	return cities, nil
}

// CountAvailableByCountry returns open-city counts per country.
func (m *MockStore) CountAvailableByCountry(ctx context.Context) ([]CountryCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCode := make(map[string]*CountryCount)
	for _, c := range m.cities {
		cc, ok := byCode[c.CountryCode]
		if !ok {
			cc = &CountryCount{CountryCode: c.CountryCode, CountryName: c.CountryName}
			byCode[c.CountryCode] = cc
		}
		if c.OwnerAgentID == nil && !c.Reserved {
			cc.Available++
		}
	}

	counts := make([]CountryCount, 0, len(byCode))
	for _, cc := range byCode {
		counts = append(counts, *cc)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].CountryCode < counts[j].CountryCode })
	return counts, nil
}

// ConditionalAssignCity assigns only if the city is unowned.
func (m *MockStore) ConditionalAssignCity(ctx context.Context, cityID, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cities[cityID]
	if !ok {
		return false, ErrNotFound
	}
	if c.OwnerAgentID != nil {
		return false, nil
	}
	owner := agentID
	c.OwnerAgentID = &owner
	return true, nil
}

// ReleaseCity clears the owner reference only while it equals ownerAgentID.
func (m *MockStore) ReleaseCity(ctx context.Context, cityID, ownerAgentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cities[cityID]
	if !ok {
		return false, ErrNotFound
	}
	if c.OwnerAgentID == nil || *c.OwnerAgentID != ownerAgentID {
		return false, nil
	}
	c.OwnerAgentID = nil
	return true, nil
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return ErrDuplicateAgent
	}
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

// GetAgent returns a copy of the agent.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	if a.CityID != nil {
		city := *a.CityID
		cp.CityID = &city
	}
	return &cp, nil
}

// TouchHeartbeat updates the last-heartbeat timestamp.
func (m *MockStore) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastHeartbeat = at
	return nil
}

// UpdateAgentPosition sets the agent's coordinates.
func (m *MockStore) UpdateAgentPosition(ctx context.Context, id string, lat, lng float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Lat, a.Lng = lat, lng
	return nil
}

// SetAgentCity moves the agent to holding with the given city, only from
// the unassigned state with no city reference.
func (m *MockStore) SetAgentCity(ctx context.Context, agentID, cityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok || a.State != TerritoryUnassigned || a.CityID != nil {
		return false, nil
	}
	city := cityID
	a.CityID = &city
	a.State = TerritoryHolding
	return true, nil
}

// ClearAgentCity returns the agent to unassigned unless exiled.
func (m *MockStore) ClearAgentCity(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok || a.State == TerritoryExiled {
		return ErrNotFound
	}
	a.CityID = nil
	a.State = TerritoryUnassigned
	return nil
}

// MarkAgentExiled performs the one-way exile transition.
func (m *MockStore) MarkAgentExiled(ctx context.Context, agentID string, lat, lng float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return false, ErrNotFound
	}
	if a.State == TerritoryExiled {
		return false, nil
	}
	a.State = TerritoryExiled
	a.CityID = nil
	a.Lat, a.Lng = lat, lng
	return true, nil
}

// ListAgentsInactiveSince returns non-exiled agents with stale heartbeats.
func (m *MockStore) ListAgentsInactiveSince(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*Agent
	for _, a := range m.agents {
		if a.State == TerritoryExiled || !a.LastHeartbeat.Before(cutoff) {
			continue
		}
		cp := *a
		if a.CityID != nil {
			city := *a.CityID
			cp.CityID = &city
		}
		agents = append(agents, &cp)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].LastHeartbeat.Before(agents[j].LastHeartbeat)
	})
	return agents, nil
}

// AppendAssignmentLog appends an entry.
func (m *MockStore) AppendAssignmentLog(ctx context.Context, entry *AssignmentLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.log = append(m.log, &e)
	return nil
}

// ListAssignmentLog returns entries for the city (or all), newest first.
func (m *MockStore) ListAssignmentLog(ctx context.Context, cityID string, limit int) ([]*AssignmentLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var entries []*AssignmentLogEntry
	for i := len(m.log) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.log[i]
		if cityID != "" && e.CityID != cityID {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}
	return entries, nil
}

// CreateAdminSession stores a session.
func (m *MockStore) CreateAdminSession(ctx context.Context, session *AdminSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

// GetAdminSession returns a session by id.
func (m *MockStore) GetAdminSession(ctx context.Context, id string) (*AdminSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// DeleteExpiredSessions removes sessions expiring at or before now.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error { return nil }

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
