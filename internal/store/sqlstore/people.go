package sqlstore

import (
	"context"
	"fmt"
)

// ListAdmins returns persisted admin ids in ascending order.
func (s *Store) ListAdmins(ctx context.Context) ([]int64, error) {
	rows, err := s.query(ctx, `SELECT id FROM admins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admins: %w", err)
	}

	return ids, nil
}

// SaveAdmin records id as admin. Saving an existing admin is a no-op.
func (s *Store) SaveAdmin(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `INSERT INTO admins (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`, id, s.nowMillis()); err != nil {
		return fmt.Errorf("save admin %d: %w", id, err)
	}

	return nil
}

// DeleteAdmin removes id; a missing id yields forcesub.ErrNotFound.
func (s *Store) DeleteAdmin(ctx context.Context, id int64) error {
	result, err := s.exec(ctx, `DELETE FROM admins WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete admin %d: %w", id, err)
	}
	if err := requireAffected(result); err != nil {
		return fmt.Errorf("delete admin %d: %w", id, err)
	}

	return nil
}

// RememberUser records the first time id started the bot.
func (s *Store) RememberUser(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `INSERT INTO users (id, first_seen) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`, id, s.nowMillis()); err != nil {
		return fmt.Errorf("remember user %d: %w", id, err)
	}

	return nil
}

// CountUsers returns the number of distinct users seen.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return count, nil
}
