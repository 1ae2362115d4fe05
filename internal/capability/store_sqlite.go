package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteStore persists announced descriptors in the announced_capabilities table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveAnnounced inserts or replaces the descriptor for a device.
func (s *SQLiteStore) SaveAnnounced(ctx context.Context, deviceID string, d Descriptor) error {
	body, err := json.Marshal(d.DataPoints)
	if err != nil {
		return fmt.Errorf("marshalling descriptor: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO announced_capabilities (device_id, vendor, category, descriptor, announced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			vendor = excluded.vendor,
			category = excluded.category,
			descriptor = excluded.descriptor,
			announced_at = excluded.announced_at`,
		deviceID, string(d.Vendor), d.Category, string(body), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving announced capabilities: %w", err)
	}
	return nil
}

// LoadAnnounced returns every persisted descriptor keyed by device ID.
// Rows that no longer decode are skipped.
func (s *SQLiteStore) LoadAnnounced(ctx context.Context) (map[string]Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, vendor, category, descriptor FROM announced_capabilities`)
	if err != nil {
		return nil, fmt.Errorf("querying announced capabilities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Descriptor)
	for rows.Next() {
		var deviceID, vendor, category, body string
		if err := rows.Scan(&deviceID, &vendor, &category, &body); err != nil {
			return nil, fmt.Errorf("scanning announced capabilities: %w", err)
		}
		var dps []DataPoint
		if err := json.Unmarshal([]byte(body), &dps); err != nil {
			continue
		}
		out[deviceID] = Descriptor{
			Vendor:     Vendor(vendor),
			Category:   category,
			DataPoints: dps,
			Source:     SourceAnnounced,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating announced capabilities: %w", err)
	}
	return out, nil
}

// DeleteAnnounced removes a device's descriptor. Missing rows are not an error.
func (s *SQLiteStore) DeleteAnnounced(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM announced_capabilities WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("deleting announced capabilities: %w", err)
	}
	return nil
}
