package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"forcesub-bot/pkg/forcesub"
)

// CreateLink inserts a link. An existing code yields forcesub.ErrConflict.
func (s *Store) CreateLink(ctx context.Context, link forcesub.Link) error {
	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	result, err := s.exec(ctx, `
		INSERT INTO links (code, channel_id, message_ids, restricted, view_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (code) DO NOTHING`,
		link.Code, link.ChannelID, encodeMessageIDs(link.MessageIDs), link.Restricted, createdAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create link %s: %w", link.Code, err)
	}
	if err := requireAffected(result); err != nil {
		if errors.Is(err, forcesub.ErrNotFound) {
			return fmt.Errorf("create link %s: %w", link.Code, forcesub.ErrConflict)
		}
		return fmt.Errorf("create link %s: %w", link.Code, err)
	}

	return nil
}

// ConsumeLink increments the view count and returns the updated link.
func (s *Store) ConsumeLink(ctx context.Context, code string) (forcesub.Link, error) {
	row := s.queryRow(ctx, `
		UPDATE links SET view_count = view_count + 1 WHERE code = ?
		RETURNING code, channel_id, message_ids, restricted, view_count, created_at`,
		code,
	)

	var (
		link       forcesub.Link
		messageIDs string
		createdAt  int64
	)
	err := row.Scan(&link.Code, &link.ChannelID, &messageIDs, &link.Restricted, &link.ViewCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return forcesub.Link{}, fmt.Errorf("consume link %s: %w", code, forcesub.ErrNotFound)
	}
	if err != nil {
		return forcesub.Link{}, fmt.Errorf("consume link %s: %w", code, err)
	}

	link.MessageIDs, err = decodeMessageIDs(messageIDs)
	if err != nil {
		return forcesub.Link{}, fmt.Errorf("consume link %s: %w", code, err)
	}
	link.CreatedAt = time.UnixMilli(createdAt).UTC()

	return link, nil
}

func encodeMessageIDs(ids []int) string {
	parts := make([]string, len(ids))
	for idx, id := range ids {
		parts[idx] = strconv.Itoa(id)
	}

	return strings.Join(parts, ",")
}

func decodeMessageIDs(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("decode message ids %q: %w", raw, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
