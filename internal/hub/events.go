// ABOUTME: Event taxonomy and channel scopes for the presence broadcast hub
// ABOUTME: Events are tagged variants carrying only the fields their kind needs

package hub

import (
	"fmt"
	"strings"
	"time"
)

// EventKind tags a broadcast event variant.
type EventKind string

const (
	EventAgentCreated      EventKind = "agent_created"
	EventAgentMoved        EventKind = "agent_moved"
	EventAgentClaimed      EventKind = "agent_claimed"
	EventAgentReleased     EventKind = "agent_released"
	EventAgentExiled       EventKind = "agent_exiled"
	EventStatusChanged     EventKind = "status_changed"
	EventPinChanged        EventKind = "pin_changed"
	EventDirectMessage     EventKind = "direct_message"
	EventCommunityMessage  EventKind = "community_message"
	EventMembershipChanged EventKind = "membership_changed"
	EventActivityPosted    EventKind = "activity_posted"
	EventReactionAdded     EventKind = "reaction_added"
	EventAnnouncement      EventKind = "announcement"
)

// Event is one broadcast payload. Only the fields relevant to the Kind are
// populated; everything else stays at its zero value and is omitted from
// the wire encoding.
type Event struct {
	Kind        EventKind `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	AgentID     string    `json:"agent_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	CommunityID string    `json:"community_id,omitempty"`
	CityID      string    `json:"city_id,omitempty"`
	Lat         float64   `json:"lat,omitempty"`
	Lng         float64   `json:"lng,omitempty"`
	Zone        string    `json:"zone,omitempty"`
	Status      string    `json:"status,omitempty"`
	Pin         string    `json:"pin,omitempty"`
	Text        string    `json:"text,omitempty"`
	Emoji       string    `json:"emoji,omitempty"`
}

// Scope identifies one broadcast channel.
type Scope string

// scope prefixes; the bare forms have no id component.
const (
	scopeGlobalMap = "map"
	scopeBroadcast = "broadcast"
)

// GlobalMap is the channel carrying every map-visible state change.
func GlobalMap() Scope { return scopeGlobalMap }

// Broadcast is the implicit platform-wide announcement channel, distinct
// from the per-map channel.
func Broadcast() Scope { return scopeBroadcast }

// Community scopes events to one community.
func Community(id string) Scope { return Scope("community:" + id) }

// User scopes events to one user's private channel.
func User(id string) Scope { return Scope("user:" + id) }

// Agent scopes events to one agent's private channel.
func Agent(id string) Scope { return Scope("agent:" + id) }

// ParseScope validates a client-supplied scope string.
func ParseScope(raw string) (Scope, error) {
	switch raw {
	case scopeGlobalMap, scopeBroadcast:
		return Scope(raw), nil
	}
	for _, prefix := range []string{"community:", "user:", "agent:"} {
		if id, ok := strings.CutPrefix(raw, prefix); ok {
			if id == "" {
				return "", fmt.Errorf("scope %q missing id", raw)
			}
			return Scope(raw), nil
		}
	}
	return "", fmt.Errorf("unknown scope %q", raw)
}
