// ABOUTME: City catalog loading from TOML seed files
// ABOUTME: Validates entries, flags the top-N by population as reserved, imports idempotently

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/harborlabs/atoll/internal/store"
)

// DefaultReservedTop is how many of the most populous cities are flagged
// reserved when the config does not say otherwise.
const DefaultReservedTop = 50

var countryCodeRe = regexp.MustCompile(`^[A-Z]{2}$`)

// cityEntry is one [[city]] block in the seed file.
type cityEntry struct {
	ID          string  `toml:"id"`
	Name        string  `toml:"name"`
	CountryCode string  `toml:"country_code"`
	CountryName string  `toml:"country_name"`
	Lat         float64 `toml:"lat"`
	Lng         float64 `toml:"lng"`
	Population  int64   `toml:"population"`
	Timezone    string  `toml:"timezone"`
}

type seedFile struct {
	Cities []cityEntry `toml:"city"`
}

// ImportResult summarizes one catalog import.
type ImportResult struct {
	Total    int
	Inserted int
	Reserved int
}

// Load parses and validates a catalog seed file. Reserved flags are
// computed here, before import: the reservedTop most populous cities
// become admin-assignable only.
func Load(path string, reservedTop int) ([]*store.City, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Parse(data, reservedTop)
}

// Parse decodes catalog TOML bytes into validated cities.
func Parse(data []byte, reservedTop int) ([]*store.City, error) {
	if reservedTop < 0 {
		reservedTop = DefaultReservedTop
	}

	var seed seedFile
	if err := toml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if len(seed.Cities) == 0 {
		return nil, fmt.Errorf("catalog contains no cities")
	}

	seen := make(map[string]bool, len(seed.Cities))
	cities := make([]*store.City, 0, len(seed.Cities))
	for i, entry := range seed.Cities {
		city, err := entry.validate()
		if err != nil {
			return nil, fmt.Errorf("city %d (%q): %w", i, entry.Name, err)
		}
		if seen[city.ID] {
			return nil, fmt.Errorf("duplicate city id %q", city.ID)
		}
		seen[city.ID] = true
		cities = append(cities, city)
	}

	markReserved(cities, reservedTop)
	return cities, nil
}

// Import loads a seed file and writes it to the store. Existing rows are
// untouched, so re-running against a live database never clobbers
// ownership.
func Import(ctx context.Context, s store.Store, path string, reservedTop int, logger *slog.Logger) (*ImportResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cities, err := Load(path, reservedTop)
	if err != nil {
		return nil, err
	}

	inserted, err := s.ImportCities(ctx, cities)
	if err != nil {
		return nil, fmt.Errorf("importing catalog: %w", err)
	}

	result := &ImportResult{Total: len(cities), Inserted: inserted}
	for _, c := range cities {
		if c.Reserved {
			result.Reserved++
		}
	}
	logger.With("component", "catalog").Info("catalog imported",
		"path", path,
		"total", result.Total,
		"inserted", result.Inserted,
		"reserved", result.Reserved,
	)
	return result, nil
}

func (e cityEntry) validate() (*store.City, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if !countryCodeRe.MatchString(e.CountryCode) {
		return nil, fmt.Errorf("invalid country code %q", e.CountryCode)
	}
	if e.Lat < -90 || e.Lat > 90 {
		return nil, fmt.Errorf("latitude %v out of range", e.Lat)
	}
	if e.Lng < -180 || e.Lng > 180 {
		return nil, fmt.Errorf("longitude %v out of range", e.Lng)
	}
	if e.Population < 0 {
		return nil, fmt.Errorf("negative population %d", e.Population)
	}

	id := e.ID
	if id == "" {
		id = slugID(e.CountryCode, name)
	}
	return &store.City{
		ID:          id,
		Name:        name,
		CountryCode: e.CountryCode,
		CountryName: strings.TrimSpace(e.CountryName),
		Lat:         e.Lat,
		Lng:         e.Lng,
		Population:  e.Population,
		Timezone:    strings.TrimSpace(e.Timezone),
	}, nil
}

// markReserved flags the top n cities by population. Ties break by id so
// every import of the same file computes the same boundary.
func markReserved(cities []*store.City, n int) {
	if n == 0 || len(cities) == 0 {
		return
	}
	ranked := make([]*store.City, len(cities))
	copy(ranked, cities)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Population != ranked[j].Population {
			return ranked[i].Population > ranked[j].Population
		}
		return ranked[i].ID < ranked[j].ID
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	for _, c := range ranked[:n] {
		c.Reserved = true
	}
}

// slugID derives a stable city id from country code and name.
func slugID(countryCode, name string) string {
	slug := strings.ToLower(name)
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '-'
		default:
			return -1
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	return strings.ToLower(countryCode) + "-" + slug
}
