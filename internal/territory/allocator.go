// ABOUTME: Territory allocator maintaining the one-agent-per-city invariant
// ABOUTME: Claims resolve through the store's conditional write; losers retry or report no availability

package territory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"sort"
	"time"

	"github.com/harborlabs/atoll/internal/hub"
	"github.com/harborlabs/atoll/internal/store"
)

var (
	// ErrAgentExiled rejects any attempt to grant a city to an exiled
	// agent. Exile is terminal; there is no way back onto the map.
	ErrAgentExiled = errors.New("agent is exiled")
	// ErrAlreadyHolding rejects a claim by an agent that holds a city.
	ErrAlreadyHolding = errors.New("agent already holds a city")
	// ErrCityOwned rejects a specific claim targeting an owned city.
	ErrCityOwned = errors.New("city is already owned")
	// ErrNoCity is returned by Release when the agent holds nothing.
	ErrNoCity = errors.New("agent holds no city")
	// ErrUnknownCountry rejects malformed or uncataloged country codes.
	ErrUnknownCountry = errors.New("unknown country code")
)

// NoAvailabilityError reports that a country has no claimable cities left,
// along with alternative countries that still have capacity. It is an
// expected outcome, not an infrastructure fault.
type NoAvailabilityError struct {
	CountryCode string
	Suggested   []store.CountryCount
}

func (e *NoAvailabilityError) Error() string {
	return fmt.Sprintf("no cities available in %s", e.CountryCode)
}

// maxSuggestedCountries caps the alternatives in a NoAvailabilityError.
const maxSuggestedCountries = 5

var countryCodeRe = regexp.MustCompile(`^[A-Z]{2}$`)

// ValidCountryCode reports whether code has the ISO 3166-1 alpha-2 shape
// claims require. It does not check the catalog.
func ValidCountryCode(code string) bool {
	return countryCodeRe.MatchString(code)
}

// Allocator assigns cities to agents. All ownership mutations go through
// the store's conditional writes; the allocator itself holds no locks, so
// multiple process instances can run it concurrently.
type Allocator struct {
	store  store.Store
	hub    *hub.Hub
	logger *slog.Logger
}

// New creates an allocator. Pass nil logger for default.
func New(s store.Store, h *hub.Hub, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		store:  s,
		hub:    h,
		logger: logger.With("component", "territory"),
	}
}

// ClaimRandom assigns a uniformly random available city in the country to
// the agent. Reserved cities are never eligible here. Candidates are tried
// in shuffled order; losing a conditional write to a concurrent claimer is
// recoverable and moves on to the next candidate.
func (a *Allocator) ClaimRandom(ctx context.Context, agentID, countryCode string) (*store.City, error) {
	if !countryCodeRe.MatchString(countryCode) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCountry, countryCode)
	}

	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if err := claimable(agent); err != nil {
		return nil, err
	}

	candidates, err := a.store.ListAvailableCities(ctx, countryCode, false)
	if err != nil {
		return nil, fmt.Errorf("listing available cities: %w", err)
	}
	if len(candidates) == 0 {
		return nil, a.noAvailability(ctx, countryCode)
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, city := range candidates {
		won, err := a.store.ConditionalAssignCity(ctx, city.ID, agentID)
		if err != nil {
			return nil, fmt.Errorf("assigning city %s: %w", city.ID, err)
		}
		if !won {
			// Lost the race for this candidate; try the next one.
			continue
		}
		if err := a.finishClaim(ctx, city, agent.ID, agentID, "random claim", store.ActionClaim); err != nil {
			return nil, err
		}
		return city, nil
	}

	// Every candidate was taken while we raced.
	return nil, a.noAvailability(ctx, countryCode)
}

// ClaimSpecific is the administrative assignment path. It may target
// reserved cities. The city must be unowned and the agent must not be
// exiled or already holding.
func (a *Allocator) ClaimSpecific(ctx context.Context, cityID, agentID, actorID, reason string) (*store.City, error) {
	city, err := a.store.GetCity(ctx, cityID)
	if err != nil {
		return nil, fmt.Errorf("loading city: %w", err)
	}
	if city.OwnerAgentID != nil {
		return nil, fmt.Errorf("%w: %s held by %s", ErrCityOwned, cityID, *city.OwnerAgentID)
	}

	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if err := claimable(agent); err != nil {
		return nil, err
	}

	won, err := a.store.ConditionalAssignCity(ctx, cityID, agentID)
	if err != nil {
		return nil, fmt.Errorf("assigning city %s: %w", cityID, err)
	}
	if !won {
		// Owned between the read and the write.
		return nil, fmt.Errorf("%w: %s", ErrCityOwned, cityID)
	}

	if err := a.finishClaim(ctx, city, agent.ID, actorID, reason, store.ActionClaim); err != nil {
		return nil, err
	}
	return city, nil
}

// Release clears the agent's city ownership and returns it to unassigned.
// Ordinary release is reversible; the agent may claim again later.
func (a *Allocator) Release(ctx context.Context, agentID, actorID, reason string) (*store.City, error) {
	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if agent.CityID == nil {
		return nil, ErrNoCity
	}

	cityID := *agent.CityID
	city, err := a.store.GetCity(ctx, cityID)
	if err != nil {
		return nil, fmt.Errorf("loading city: %w", err)
	}
	if city.OwnerAgentID == nil || *city.OwnerAgentID != agentID {
		// The agent's city reference is stale; a concurrent release
		// already ran, possibly followed by a new claim. Never strip
		// whoever owns the city now.
		return nil, fmt.Errorf("%w: %s no longer owns %s", ErrNoCity, agentID, cityID)
	}

	won, err := a.store.ReleaseCity(ctx, cityID, agentID)
	if err != nil {
		return nil, fmt.Errorf("releasing city %s: %w", cityID, err)
	}
	if !won {
		// Ownership moved between the read and the write.
		return nil, fmt.Errorf("%w: %s no longer owns %s", ErrNoCity, agentID, cityID)
	}
	if agent.State != store.TerritoryExiled {
		if err := a.store.ClearAgentCity(ctx, agentID); err != nil {
			return nil, fmt.Errorf("clearing agent city: %w", err)
		}
	}

	entry := &store.AssignmentLogEntry{
		CityID:  cityID,
		AgentID: agentID,
		Actor:   actorID,
		Reason:  reason,
		Kind:    store.ActionRelease,
	}
	if err := a.store.AppendAssignmentLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("logging release: %w", err)
	}

	a.logger.Info("released city", "city_id", cityID, "agent_id", agentID, "actor", actorID)
	a.publish(&hub.Event{
		Kind:      hub.EventAgentReleased,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		CityID:    cityID,
	})
	return city, nil
}

// Transfer moves a city from one agent to another. It is not a primitive:
// it is Release followed by ClaimSpecific, and both log entries are kept.
func (a *Allocator) Transfer(ctx context.Context, cityID, fromAgentID, toAgentID, actorID, reason string) (*store.City, error) {
	from, err := a.store.GetAgent(ctx, fromAgentID)
	if err != nil {
		return nil, fmt.Errorf("loading source agent: %w", err)
	}
	if from.CityID == nil || *from.CityID != cityID {
		return nil, fmt.Errorf("%w: agent %s does not hold %s", ErrNoCity, fromAgentID, cityID)
	}

	// The target must be able to receive the city before the source gives
	// it up; otherwise a doomed transfer would leave the city unowned.
	to, err := a.store.GetAgent(ctx, toAgentID)
	if err != nil {
		return nil, fmt.Errorf("loading target agent: %w", err)
	}
	if err := claimable(to); err != nil {
		return nil, err
	}

	if _, err := a.Release(ctx, fromAgentID, actorID, reason); err != nil {
		return nil, err
	}

	city, err := a.ClaimSpecific(ctx, cityID, toAgentID, actorID, reason)
	if err != nil {
		return nil, err
	}

	entry := &store.AssignmentLogEntry{
		CityID:  cityID,
		AgentID: toAgentID,
		Actor:   actorID,
		Reason:  reason,
		Kind:    store.ActionTransfer,
	}
	if err := a.store.AppendAssignmentLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("logging transfer: %w", err)
	}
	return city, nil
}

// CountryAvailability reports open-city counts for every cataloged country.
func (a *Allocator) CountryAvailability(ctx context.Context) ([]store.CountryCount, error) {
	counts, err := a.store.CountAvailableByCountry(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting availability: %w", err)
	}
	return counts, nil
}

// claimable rejects agents that may not receive a city.
func claimable(agent *store.Agent) error {
	if agent.State == store.TerritoryExiled {
		return fmt.Errorf("%w: %s", ErrAgentExiled, agent.ID)
	}
	if agent.CityID != nil {
		return fmt.Errorf("%w: %s holds %s", ErrAlreadyHolding, agent.ID, *agent.CityID)
	}
	return nil
}

// finishClaim records the agent side of a won conditional assign, appends
// the audit entry, and announces the claim. The agent-side write is itself
// conditional: if the agent claimed elsewhere or was exiled since the
// eligibility read, the city assignment is rolled back so the city stays
// claimable and the agent never holds two cities.
func (a *Allocator) finishClaim(ctx context.Context, city *store.City, agentID, actorID, reason string, kind store.ActionKind) error {
	won, err := a.store.SetAgentCity(ctx, agentID, city.ID)
	if err != nil {
		return fmt.Errorf("recording agent city: %w", err)
	}
	if !won {
		if _, rbErr := a.store.ReleaseCity(ctx, city.ID, agentID); rbErr != nil {
			return fmt.Errorf("rolling back city %s after lost agent write: %w", city.ID, rbErr)
		}
		fresh, err := a.store.GetAgent(ctx, agentID)
		if err != nil {
			return fmt.Errorf("reloading agent after lost write: %w", err)
		}
		if err := claimable(fresh); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s changed during claim", ErrAlreadyHolding, agentID)
	}

	if err := a.store.UpdateAgentPosition(ctx, agentID, city.Lat, city.Lng); err != nil {
		return fmt.Errorf("moving agent to city: %w", err)
	}

	entry := &store.AssignmentLogEntry{
		CityID:  city.ID,
		AgentID: agentID,
		Actor:   actorID,
		Reason:  reason,
		Kind:    kind,
	}
	if err := a.store.AppendAssignmentLog(ctx, entry); err != nil {
		return fmt.Errorf("logging claim: %w", err)
	}

	a.logger.Info("claimed city",
		"city_id", city.ID,
		"agent_id", agentID,
		"actor", actorID,
		"country", city.CountryCode,
	)
	a.publish(&hub.Event{
		Kind:      hub.EventAgentClaimed,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		CityID:    city.ID,
		Lat:       city.Lat,
		Lng:       city.Lng,
	})
	return nil
}

// noAvailability builds the structured empty-country outcome with the
// best alternative countries by remaining capacity.
func (a *Allocator) noAvailability(ctx context.Context, countryCode string) error {
	counts, err := a.store.CountAvailableByCountry(ctx)
	if err != nil {
		// Suggestions are best-effort; the primary outcome stands.
		a.logger.Warn("failed to compute suggested countries", "error", err)
		return &NoAvailabilityError{CountryCode: countryCode}
	}

	var suggested []store.CountryCount
	for _, c := range counts {
		if c.CountryCode != countryCode && c.Available > 0 {
			suggested = append(suggested, c)
		}
	}
	sort.Slice(suggested, func(i, j int) bool {
		return suggested[i].Available > suggested[j].Available
	})
	if len(suggested) > maxSuggestedCountries {
		suggested = suggested[:maxSuggestedCountries]
	}

	return &NoAvailabilityError{CountryCode: countryCode, Suggested: suggested}
}

// publish sends to the global map scope and is a no-op without a hub.
func (a *Allocator) publish(event *hub.Event) {
	if a.hub == nil {
		return
	}
	a.hub.Publish(hub.GlobalMap(), event)
	if event.AgentID != "" {
		a.hub.Publish(hub.Agent(event.AgentID), event)
	}
}
