package sqlstore

import (
	"context"
	"fmt"

	"forcesub-bot/pkg/forcesub"
)

// LoadAll returns every persisted setting ordered by key.
func (s *Store) LoadAll(ctx context.Context) ([]forcesub.ConfigEntry, error) {
	rows, err := s.query(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	var entries []forcesub.ConfigEntry
	for rows.Next() {
		var entry forcesub.ConfigEntry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}

	return entries, nil
}

// Save upserts one setting.
func (s *Store) Save(ctx context.Context, entry forcesub.ConfigEntry) error {
	_, err := s.exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		entry.Key, entry.Value, s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", entry.Key, err)
	}

	return nil
}

// Delete removes one setting; a missing key yields forcesub.ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	result, err := s.exec(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	if err := requireAffected(result); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}

	return nil
}
