// ABOUTME: Tests for the territory allocator
// ABOUTME: Covers random and specific claims, release, transfer, and race outcomes

package territory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborlabs/atoll/internal/hub"
	"github.com/harborlabs/atoll/internal/store"
)

func newTestAllocator(t *testing.T) (*Allocator, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	return New(s, nil, nil), s
}

func seedCity(t *testing.T, s *store.MockStore, id, country string, reserved bool) {
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

func seedAgent(t *testing.T, s *store.MockStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateAgent(t.Context(), &store.Agent{
		ID:            id,
		Name:          id,
		State:         store.TerritoryUnassigned,
		LastHeartbeat: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}))
}

func TestClaimRandom_AssignsAvailableCity(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedAgent(t, s, "agent-1")

	city, err := alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	require.NoError(t, err)
	assert.Equal(t, "de-munich", city.ID)

	got, err := s.GetCity(t.Context(), "de-munich")
	require.NoError(t, err)
	require.NotNil(t, got.OwnerAgentID)
	assert.Equal(t, "agent-1", *got.OwnerAgentID)

	agent, err := s.GetAgent(t.Context(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.TerritoryHolding, agent.State)
	require.NotNil(t, agent.CityID)
	assert.Equal(t, "de-munich", *agent.CityID)
	assert.InDelta(t, 48.0, agent.Lat, 0.001)

	entries, err := s.ListAssignmentLog(t.Context(), "de-munich", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.ActionClaim, entries[0].Kind)
	assert.Equal(t, "agent-1", entries[0].Actor)
}

func TestClaimRandom_SkipsReservedCities(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-berlin", "DE", true)
	seedAgent(t, s, "agent-1")

	_, err := alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	var noAvail *NoAvailabilityError
	require.ErrorAs(t, err, &noAvail)
	assert.Equal(t, "DE", noAvail.CountryCode)
}

func TestClaimRandom_InvalidCountryCode(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedAgent(t, s, "agent-1")

	for _, code := range []string{"", "D", "DEU", "de", "1A"} {
		_, err := alloc.ClaimRandom(t.Context(), "agent-1", code)
		assert.ErrorIs(t, err, ErrUnknownCountry, "code %q", code)
	}
}

func TestClaimRandom_NoAvailabilitySuggestsAlternatives(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "fr-lyon", "FR", false)
	seedCity(t, s, "it-turin", "IT", false)
	seedCity(t, s, "it-verona", "IT", false)
	seedAgent(t, s, "agent-1")

	_, err := alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	var noAvail *NoAvailabilityError
	require.ErrorAs(t, err, &noAvail)
	assert.Equal(t, "DE", noAvail.CountryCode)
	require.Len(t, noAvail.Suggested, 2)
	// Ordered by remaining capacity, largest first.
	assert.Equal(t, "IT", noAvail.Suggested[0].CountryCode)
	assert.Equal(t, 2, noAvail.Suggested[0].Available)
	assert.Equal(t, "FR", noAvail.Suggested[1].CountryCode)
}

func TestClaimRandom_ExiledAgentRejected(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedAgent(t, s, "agent-1")
	_, err := s.MarkAgentExiled(t.Context(), "agent-1", -30, -140)
	require.NoError(t, err)

	_, err = alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	assert.ErrorIs(t, err, ErrAgentExiled)
}

func TestClaimRandom_HoldingAgentRejected(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedCity(t, s, "de-hamburg", "DE", false)
	seedAgent(t, s, "agent-1")

	_, err := alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	require.NoError(t, err)

	_, err = alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	assert.ErrorIs(t, err, ErrAlreadyHolding)
}

func TestClaimRandom_ConcurrentClaimersOneCityEach(t *testing.T) {
	alloc, s := newTestAllocator(t)
	const cities = 8
	const agents = 20
	for i := range cities {
		seedCity(t, s, fmt.Sprintf("de-city-%d", i), "DE", false)
	}
	for i := range agents {
		seedAgent(t, s, fmt.Sprintf("agent-%d", i))
	}

	var wg sync.WaitGroup
	results := make([]error, agents)
	for i := range agents {
		wg.Go(func() {
			_, results[i] = alloc.ClaimRandom(context.Background(), fmt.Sprintf("agent-%d", i), "DE")
		})
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		var noAvail *NoAvailabilityError
		require.ErrorAs(t, err, &noAvail)
	}
	assert.Equal(t, cities, winners)

	// Every city ends up with exactly one distinct owner.
	owners := make(map[string]bool)
	for i := range cities {
		city, err := s.GetCity(t.Context(), fmt.Sprintf("de-city-%d", i))
		require.NoError(t, err)
		require.NotNil(t, city.OwnerAgentID)
		assert.False(t, owners[*city.OwnerAgentID], "agent %s owns two cities", *city.OwnerAgentID)
		owners[*city.OwnerAgentID] = true
	}
}

func TestClaimRandom_SameAgentConcurrentClaimsHoldOneCity(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "zz-alpha", "ZZ", false)
	seedCity(t, s, "zz-beta", "ZZ", false)
	seedAgent(t, s, "agent-1")

	start := make(chan struct{})
	results := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Go(func() {
			<-start
			_, results[i] = alloc.ClaimRandom(context.Background(), "agent-1", "ZZ")
		})
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "the same agent must win at most one claim")

	owned := 0
	for _, id := range []string{"zz-alpha", "zz-beta"} {
		city, err := s.GetCity(t.Context(), id)
		require.NoError(t, err)
		if city.OwnerAgentID != nil {
			require.Equal(t, "agent-1", *city.OwnerAgentID)
			owned++
		}
	}
	assert.Equal(t, 1, owned, "exactly one city may end up owned")

	agent, err := s.GetAgent(t.Context(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent.CityID)
	assert.Equal(t, store.TerritoryHolding, agent.State)

	// The losing claim's city went back to the pool and stays claimable.
	seedAgent(t, s, "agent-2")
	_, err = alloc.ClaimRandom(t.Context(), "agent-2", "ZZ")
	require.NoError(t, err)
}

func TestClaimSpecific_AllowsReservedCity(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-berlin", "DE", true)
	seedAgent(t, s, "agent-1")

	city, err := alloc.ClaimSpecific(t.Context(), "de-berlin", "agent-1", "admin", "capital assignment")
	require.NoError(t, err)
	assert.Equal(t, "de-berlin", city.ID)

	entries, err := s.ListAssignmentLog(t.Context(), "de-berlin", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin", entries[0].Actor)
	assert.Equal(t, "capital assignment", entries[0].Reason)
}

func TestClaimSpecific_OwnedCityRejectedWithoutLogEntry(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedAgent(t, s, "agent-1")
	seedAgent(t, s, "agent-2")

	_, err := alloc.ClaimSpecific(t.Context(), "de-munich", "agent-1", "admin", "first")
	require.NoError(t, err)

	_, err = alloc.ClaimSpecific(t.Context(), "de-munich", "agent-2", "admin", "second")
	assert.ErrorIs(t, err, ErrCityOwned)

	// The failed attempt leaves no trace in the audit log.
	entries, err := s.ListAssignmentLog(t.Context(), "de-munich", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1", entries[0].AgentID)
}

func TestClaimSpecific_UnknownCity(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedAgent(t, s, "agent-1")

	_, err := alloc.ClaimSpecific(t.Context(), "nope", "agent-1", "admin", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRelease_ReturnsCityToPool(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedAgent(t, s, "agent-1")
	seedAgent(t, s, "agent-2")

	_, err := alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	require.NoError(t, err)

	released, err := alloc.Release(t.Context(), "agent-1", "agent-1", "moving on")
	require.NoError(t, err)
	assert.Equal(t, "de-munich", released.ID)

	agent, err := s.GetAgent(t.Context(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.TerritoryUnassigned, agent.State)
	assert.Nil(t, agent.CityID)

	// Release is reversible: another agent can claim the freed city.
	city, err := alloc.ClaimRandom(t.Context(), "agent-2", "DE")
	require.NoError(t, err)
	assert.Equal(t, "de-munich", city.ID)
}

func TestRelease_AgentWithoutCity(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedAgent(t, s, "agent-1")

	_, err := alloc.Release(t.Context(), "agent-1", "agent-1", "")
	assert.ErrorIs(t, err, ErrNoCity)
}

func TestRelease_StaleReferenceKeepsCurrentOwner(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "zz-alpha", "ZZ", false)

	won, err := s.ConditionalAssignCity(t.Context(), "zz-alpha", "agent-x")
	require.NoError(t, err)
	require.True(t, won)

	// agent-a's record still points at the city it used to hold.
	cityID := "zz-alpha"
	require.NoError(t, s.CreateAgent(t.Context(), &store.Agent{
		ID:            "agent-a",
		Name:          "agent-a",
		State:         store.TerritoryHolding,
		CityID:        &cityID,
		LastHeartbeat: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}))

	_, err = alloc.Release(t.Context(), "agent-a", "agent-a", "stale release")
	assert.ErrorIs(t, err, ErrNoCity)

	city, err := s.GetCity(t.Context(), "zz-alpha")
	require.NoError(t, err)
	require.NotNil(t, city.OwnerAgentID)
	assert.Equal(t, "agent-x", *city.OwnerAgentID, "the current owner must survive a stale release")

	entries, err := s.ListAssignmentLog(t.Context(), "zz-alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "a rejected release leaves no audit trace")
}

func TestTransfer_MovesCityBetweenAgents(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedAgent(t, s, "agent-1")
	seedAgent(t, s, "agent-2")

	_, err := alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	require.NoError(t, err)

	city, err := alloc.Transfer(t.Context(), "de-munich", "agent-1", "agent-2", "admin", "handover")
	require.NoError(t, err)
	require.NotNil(t, city.OwnerAgentID)
	assert.Equal(t, "agent-2", *city.OwnerAgentID)

	from, err := s.GetAgent(t.Context(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, from.CityID)

	to, err := s.GetAgent(t.Context(), "agent-2")
	require.NoError(t, err)
	require.NotNil(t, to.CityID)
	assert.Equal(t, "de-munich", *to.CityID)

	// Original claim, release, transfer claim, and the transfer marker.
	entries, err := s.ListAssignmentLog(t.Context(), "de-munich", 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	kinds := make([]store.ActionKind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, store.ActionRelease)
	assert.Contains(t, kinds, store.ActionTransfer)
}

func TestTransfer_SourceDoesNotHoldCity(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedAgent(t, s, "agent-1")
	seedAgent(t, s, "agent-2")

	_, err := alloc.Transfer(t.Context(), "de-munich", "agent-1", "agent-2", "admin", "")
	assert.ErrorIs(t, err, ErrNoCity)
}

func TestTransfer_IneligibleTargetLeavesSourceIntact(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedCity(t, s, "de-hamburg", "DE", false)
	seedAgent(t, s, "agent-1")
	seedAgent(t, s, "exiled")
	seedAgent(t, s, "holder")

	_, err := alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	require.NoError(t, err)
	from, err := s.GetAgent(t.Context(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, from.CityID)
	heldCity := *from.CityID

	_, err = s.MarkAgentExiled(t.Context(), "exiled", -30, -140)
	require.NoError(t, err)
	_, err = alloc.ClaimRandom(t.Context(), "holder", "DE")
	require.NoError(t, err)

	_, err = alloc.Transfer(t.Context(), heldCity, "agent-1", "exiled", "admin", "")
	assert.ErrorIs(t, err, ErrAgentExiled)
	_, err = alloc.Transfer(t.Context(), heldCity, "agent-1", "holder", "admin", "")
	assert.ErrorIs(t, err, ErrAlreadyHolding)

	// The doomed transfers never touched the source's ownership.
	city, err := s.GetCity(t.Context(), heldCity)
	require.NoError(t, err)
	require.NotNil(t, city.OwnerAgentID)
	assert.Equal(t, "agent-1", *city.OwnerAgentID)

	entries, err := s.ListAssignmentLog(t.Context(), heldCity, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.ActionClaim, entries[0].Kind)
}

func TestCountryAvailability(t *testing.T) {
	alloc, s := newTestAllocator(t)
	seedCity(t, s, "de-munich", "DE", false)
	seedCity(t, s, "de-hamburg", "DE", false)
	seedCity(t, s, "fr-lyon", "FR", false)
	seedAgent(t, s, "agent-1")

	_, err := alloc.ClaimRandom(t.Context(), "agent-1", "FR")
	require.NoError(t, err)

	counts, err := alloc.CountryAvailability(t.Context())
	require.NoError(t, err)
	byCode := make(map[string]int)
	for _, c := range counts {
		byCode[c.CountryCode] = c.Available
	}
	assert.Equal(t, 2, byCode["DE"])
	assert.Equal(t, 0, byCode["FR"])
}

func TestClaim_PublishesHubEvent(t *testing.T) {
	s := store.NewMockStore()
	h := hub.New(8, nil)
	defer h.Close()
	alloc := New(s, h, nil)
	seedCity(t, s, "de-munich", "DE", false)
	seedAgent(t, s, "agent-1")

	sub := h.Subscribe(t.Context(), hub.GlobalMap())

	_, err := alloc.ClaimRandom(t.Context(), "agent-1", "DE")
	require.NoError(t, err)

	select {
	case event := <-sub.Events():
		assert.Equal(t, hub.EventAgentClaimed, event.Kind)
		assert.Equal(t, "agent-1", event.AgentID)
		assert.Equal(t, "de-munich", event.CityID)
	case <-time.After(time.Second):
		t.Fatal("no claim event received")
	}
}
