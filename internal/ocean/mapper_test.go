// ABOUTME: Tests for the ocean coordinate mapper
// ABOUTME: Covers determinism, zone bounds, and spread across zones

package ocean

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Deterministic(t *testing.T) {
	lat1, lng1, zone1 := Compute("agent-abc")
	lat2, lng2, zone2 := Compute("agent-abc")

	// Bit-identical on repeat.
	assert.Equal(t, lat1, lat2)
	assert.Equal(t, lng1, lng2)
	assert.Equal(t, zone1, zone2)
}

func TestCompute_InsideZoneBounds(t *testing.T) {
	byName := make(map[string]Zone, len(Zones))
	for _, z := range Zones {
		byName[z.Name] = z
	}

	for i := range 200 {
		id := fmt.Sprintf("agent-%d", i)
		lat, lng, name := Compute(id)

		zone, ok := byName[name]
		require.True(t, ok, "unknown zone %q", name)
		assert.GreaterOrEqual(t, lat, zone.MinLat, "agent %s", id)
		assert.LessOrEqual(t, lat, zone.MaxLat, "agent %s", id)
		assert.GreaterOrEqual(t, lng, zone.MinLng, "agent %s", id)
		assert.LessOrEqual(t, lng, zone.MaxLng, "agent %s", id)
	}
}

func TestCompute_SpreadsAcrossZones(t *testing.T) {
	seen := make(map[string]bool)
	for i := range 500 {
		_, _, zone := Compute(fmt.Sprintf("agent-%d", i))
		seen[zone] = true
	}

	// 500 hashed ids should land in every zone.
	assert.Len(t, seen, len(Zones))
}

func TestCompute_DistinctIDsDistinctPoints(t *testing.T) {
	type point struct{ lat, lng float64 }
	points := make(map[point]string)

	for i := range 1000 {
		id := fmt.Sprintf("agent-%d", i)
		lat, lng, _ := Compute(id)
		p := point{lat, lng}
		if prev, dup := points[p]; dup {
			t.Fatalf("agents %s and %s collide at %+v", prev, id, p)
		}
		points[p] = id
	}
}
