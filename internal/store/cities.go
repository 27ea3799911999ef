// ABOUTME: City persistence methods including the conditional ownership write
// ABOUTME: ConditionalAssignCity is the CAS primitive the allocator's exclusivity rests on

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ImportCities bulk-inserts catalog cities, skipping ids that already exist.
// Existing rows are never touched, so ownership survives a catalog reload.
// Returns the number of newly inserted cities.
func (s *SQLiteStore) ImportCities(ctx context.Context, cities []*City) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning import transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO cities (id, name, country_code, country_name, lat, lng, population, timezone, reserved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing city insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range cities {
		res, err := stmt.ExecContext(ctx,
			c.ID, c.Name, c.CountryCode, c.CountryName,
			c.Lat, c.Lng, c.Population, nullString(c.Timezone), boolToInt(c.Reserved),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting city %s: %w", c.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing import: %w", err)
	}

	s.logger.Info("imported cities", "total", len(cities), "new", inserted)
	return inserted, nil
}

const cityColumns = `id, name, country_code, country_name, lat, lng, population, timezone, reserved, owner_agent_id`

// GetCity retrieves a city by ID.
// Returns ErrNotFound if the city doesn't exist.
func (s *SQLiteStore) GetCity(ctx context.Context, id string) (*City, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cityColumns+` FROM cities WHERE id = ?`, id)
	city, err := scanCity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying city: %w", err)
	}
	return city, nil
}

// ListAvailableCities returns unowned cities in the given country.
// Reserved cities are excluded unless includeReserved is set; the
// self-service random claim path never sees them.
func (s *SQLiteStore) ListAvailableCities(ctx context.Context, countryCode string, includeReserved bool) ([]*City, error) {
	query := `SELECT ` + cityColumns + ` FROM cities WHERE country_code = ? AND owner_agent_id IS NULL`
	if !includeReserved {
		query += ` AND reserved = 0`
	}

	rows, err := s.db.QueryContext(ctx, query, countryCode)
	if err != nil {
		return nil, fmt.Errorf("querying available cities: %w", err)
	}
	defer rows.Close()

	var cities []*City
	for rows.Next() {
		city, err := scanCity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning city row: %w", err)
		}
		cities = append(cities, city)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating city rows: %w", err)
	}
	return cities, nil
}

// CountAvailableByCountry returns, for every country in the catalog, the
// number of unowned non-reserved cities. Countries with zero availability
// are included so clients can tell "full" from "unknown".
func (s *SQLiteStore) CountAvailableByCountry(ctx context.Context) ([]CountryCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT country_code, country_name,
		       SUM(CASE WHEN owner_agent_id IS NULL AND reserved = 0 THEN 1 ELSE 0 END)
		FROM cities
		GROUP BY country_code, country_name
		ORDER BY country_code
	`)
	if err != nil {
		return nil, fmt.Errorf("counting availability: %w", err)
	}
	defer rows.Close()

	var counts []CountryCount
	for rows.Next() {
		var c CountryCount
		if err := rows.Scan(&c.CountryCode, &c.CountryName, &c.Available); err != nil {
			return nil, fmt.Errorf("scanning availability row: %w", err)
		}
		counts = append(counts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating availability rows: %w", err)
	}
	return counts, nil
}

// ConditionalAssignCity assigns the city to the agent only if the city has
// no current owner. The WHERE clause makes the write atomic: of two
// concurrent callers, exactly one observes RowsAffected == 1.
func (s *SQLiteStore) ConditionalAssignCity(ctx context.Context, cityID, agentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cities SET owner_agent_id = ?
		WHERE id = ? AND owner_agent_id IS NULL
	`, agentID, cityID)
	if err != nil {
		return false, fmt.Errorf("assigning city: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows == 0 {
		return false, nil
	}

	s.logger.Debug("assigned city", "city_id", cityID, "agent_id", agentID)
	return true, nil
}

// ReleaseCity clears the city's owner reference only while it still points
// at ownerAgentID. Returns false when the city is unowned or was reclaimed
// by another agent; a stale release can never strip the new owner.
func (s *SQLiteStore) ReleaseCity(ctx context.Context, cityID, ownerAgentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cities SET owner_agent_id = NULL
		WHERE id = ? AND owner_agent_id = ?
	`, cityID, ownerAgentID)
	if err != nil {
		return false, fmt.Errorf("releasing city: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows == 0 {
		return false, nil
	}

	s.logger.Debug("released city", "city_id", cityID, "owner", ownerAgentID)
	return true, nil
}

// scanCity scans a row into a City.
func scanCity(scanner interface{ Scan(dest ...any) error }) (*City, error) {
	var c City
	var timezone, owner sql.NullString
	var reserved int

	err := scanner.Scan(
		&c.ID, &c.Name, &c.CountryCode, &c.CountryName,
		&c.Lat, &c.Lng, &c.Population, &timezone, &reserved, &owner,
	)
	if err != nil {
		return nil, err
	}

	c.Timezone = timezone.String
	c.Reserved = reserved != 0
	if owner.Valid {
		c.OwnerAgentID = &owner.String
	}
	return &c, nil
}

// nullString returns nil for empty strings, otherwise the string pointer
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
