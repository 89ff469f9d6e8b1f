package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"forcesub-bot/pkg/forcesub"
)

const channelColumns = `id, name, invite_link, placeholder, active`

// ListChannels returns channels ordered by id, optionally only active ones.
func (s *Store) ListChannels(ctx context.Context, activeOnly bool) ([]forcesub.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels`
	var args []any
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []forcesub.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}

	return channels, nil
}

// GetChannel returns one channel or forcesub.ErrNotFound.
func (s *Store) GetChannel(ctx context.Context, id int64) (forcesub.Channel, error) {
	row := s.queryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	channel, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return forcesub.Channel{}, fmt.Errorf("get channel %d: %w", id, forcesub.ErrNotFound)
	}
	if err != nil {
		return forcesub.Channel{}, fmt.Errorf("get channel %d: %w", id, err)
	}

	return channel, nil
}

// SaveChannel upserts one channel. An empty placeholder becomes the default label.
func (s *Store) SaveChannel(ctx context.Context, channel forcesub.Channel) error {
	if channel.ID == 0 {
		return fmt.Errorf("save channel: zero id")
	}
	if channel.Placeholder == "" {
		channel.Placeholder = forcesub.DefaultChannelPlaceholder
	}

	_, err := s.exec(ctx, `
		INSERT INTO channels (id, name, invite_link, placeholder, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			invite_link = excluded.invite_link,
			placeholder = excluded.placeholder,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		channel.ID, channel.Name, channel.InviteLink, channel.Placeholder, channel.Active, s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("save channel %d: %w", channel.ID, err)
	}

	return nil
}

// DeleteChannel removes one channel; a missing id yields forcesub.ErrNotFound.
func (s *Store) DeleteChannel(ctx context.Context, id int64) error {
	result, err := s.exec(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel %d: %w", id, err)
	}
	if err := requireAffected(result); err != nil {
		return fmt.Errorf("delete channel %d: %w", id, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (forcesub.Channel, error) {
	var channel forcesub.Channel
	if err := row.Scan(&channel.ID, &channel.Name, &channel.InviteLink, &channel.Placeholder, &channel.Active); err != nil {
		return forcesub.Channel{}, err
	}

	return channel, nil
}
