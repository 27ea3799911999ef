// ABOUTME: Deterministic mapping from agent id to an open-water coordinate
// ABOUTME: Pure function over static zone definitions; no I/O

package ocean

import (
	"hash/fnv"
)

// Zone is a named open-water bounding box. Zones deliberately avoid
// shipping-lane-dense coastal margins so exiled agents render well clear
// of any claimable city.
type Zone struct {
	Name   string
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// Zones are the static exile regions. Order matters: the zone index for an
// agent is derived from a hash of its id, so reordering would move every
// exiled agent.
var Zones = []Zone{
	{Name: "North Pacific", MinLat: 20, MaxLat: 40, MinLng: -170, MaxLng: -140},
	{Name: "South Pacific", MinLat: -35, MaxLat: -10, MinLng: -140, MaxLng: -110},
	{Name: "North Atlantic", MinLat: 25, MaxLat: 45, MinLng: -50, MaxLng: -30},
	{Name: "South Atlantic", MinLat: -35, MaxLat: -10, MinLng: -25, MaxLng: -5},
	{Name: "Indian Ocean", MinLat: -30, MaxLat: -5, MinLng: 70, MaxLng: 95},
	{Name: "Southern Ocean", MinLat: -55, MaxLat: -45, MinLng: 100, MaxLng: 140},
}

// Compute maps an agent id to a stable coordinate inside one of the zones.
// The same id always yields bit-identical results. Zone choice and the
// two in-zone offsets use independent hashes so agents spread across the
// full box instead of clustering on a diagonal.
func Compute(agentID string) (lat, lng float64, zoneName string) {
	zone := Zones[hash64(agentID)%uint64(len(Zones))]

	latFrac := float64(hash64(agentID+"|lat")%100000) / 100000.0
	lngFrac := float64(hash64(agentID+"|lng")%100000) / 100000.0

	lat = zone.MinLat + latFrac*(zone.MaxLat-zone.MinLat)
	lng = zone.MinLng + lngFrac*(zone.MaxLng-zone.MinLng)
	return lat, lng, zone.Name
}

// hash64 returns the FNV-64a hash of s.
func hash64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
