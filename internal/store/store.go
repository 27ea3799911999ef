// ABOUTME: Store interface and data types for atoll-gateway persistence
// ABOUTME: Defines City, Agent, AssignmentLogEntry and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when creating an agent whose id already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// TerritoryState is the explicit tag for an agent's relationship to the map.
type TerritoryState string

const (
	// TerritoryUnassigned means the agent holds no city and may claim one.
	TerritoryUnassigned TerritoryState = "unassigned"
	// TerritoryHolding means the agent owns exactly one city.
	TerritoryHolding TerritoryState = "holding"
	// TerritoryExiled is terminal: the agent was moved to open water and
	// can never hold a city again.
	TerritoryExiled TerritoryState = "exiled"
)

// City represents one allocable territory from the catalog.
type City struct {
	ID           string
	Name         string
	CountryCode  string // ISO 3166-1 alpha-2
	CountryName  string
	Lat          float64
	Lng          float64
	Population   int64  // 0 when unknown
	Timezone     string // empty when unknown
	Reserved     bool   // top-N by population, admin-assignable only
	OwnerAgentID *string
}

// Agent is an actor in the system.
type Agent struct {
	ID            string
	Name          string
	SecretHash    string // bcrypt hash of the verification secret
	Lat           float64
	Lng           float64
	State         TerritoryState
	CityID        *string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// ActionKind classifies an assignment log entry.
type ActionKind string

const (
	ActionClaim       ActionKind = "claim"
	ActionRelease     ActionKind = "release"
	ActionTransfer    ActionKind = "transfer"
	ActionForcedExile ActionKind = "forced_exile"
)

// ActorSystem is the actor recorded for mutations the system performs on
// its own behalf (e.g. inactivity sweeps).
const ActorSystem = "system"

// AssignmentLogEntry is one append-only audit record of an allocator mutation.
type AssignmentLogEntry struct {
	ID        string
	CityID    string
	AgentID   string
	Actor     string // agent id, ActorSystem, or an admin identity
	Reason    string
	Kind      ActionKind
	Timestamp time.Time
}

// CountryCount pairs a country code with its open-city count.
type CountryCount struct {
	CountryCode string
	CountryName string
	Available   int
}

// AdminSession is a short-lived record backing an issued admin token.
type AdminSession struct {
	ID        string
	Subject   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store defines the persistence contract the allocator, lifecycle monitor,
// and gateway depend on. Implementations must honor the conditional-write
// semantics documented on ConditionalAssignCity, SetAgentCity, ReleaseCity,
// and MarkAgentExiled; the exclusivity and no-double-exile guarantees rest
// entirely on them.
type Store interface {
	// Cities
	ImportCities(ctx context.Context, cities []*City) (int, error)
	GetCity(ctx context.Context, id string) (*City, error)
	ListAvailableCities(ctx context.Context, countryCode string, includeReserved bool) ([]*City, error)
	CountAvailableByCountry(ctx context.Context) ([]CountryCount, error)
	// ConditionalAssignCity sets the city's owner to agentID only if the
	// city currently has no owner. Returns false (and no error) when the
	// city is already owned; concurrent callers see exactly one true.
	ConditionalAssignCity(ctx context.Context, cityID, agentID string) (bool, error)
	// ReleaseCity clears the city's owner only if it currently equals
	// ownerAgentID. Returns false (and no error) when the city is unowned
	// or owned by someone else; a stale caller can never strip a newer
	// owner.
	ReleaseCity(ctx context.Context, cityID, ownerAgentID string) (bool, error)

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	UpdateAgentPosition(ctx context.Context, id string, lat, lng float64) error
	// SetAgentCity records city ownership on the agent side (state=holding)
	// only if the agent is currently unassigned and holds nothing. Returns
	// false (and no error) when the agent did not transition; concurrent
	// claims by the same agent see exactly one true.
	SetAgentCity(ctx context.Context, agentID, cityID string) (bool, error)
	// ClearAgentCity returns the agent to unassigned. It must not touch
	// exiled agents; callers check state first.
	ClearAgentCity(ctx context.Context, agentID string) error
	// MarkAgentExiled transitions the agent to the terminal exiled state and
	// pins its position, only if it is not already exiled. Returns false
	// when the agent was already exiled (the transition is one-way).
	MarkAgentExiled(ctx context.Context, agentID string, lat, lng float64) (bool, error)
	ListAgentsInactiveSince(ctx context.Context, cutoff time.Time) ([]*Agent, error)

	// Assignment log (append-only)
	AppendAssignmentLog(ctx context.Context, entry *AssignmentLogEntry) error
	ListAssignmentLog(ctx context.Context, cityID string, limit int) ([]*AssignmentLogEntry, error)

	// Admin sessions
	CreateAdminSession(ctx context.Context, session *AdminSession) error
	GetAdminSession(ctx context.Context, id string) (*AdminSession, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)

	// Close releases any resources held by the store
	Close() error
}
