package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/rrbrambley/messagebeast/beast"
)

// messagesByIDs loads the given messages, preserving the order of ids.
func (s *Store) messagesByIDs(ctx context.Context, ids []string) ([]beast.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []message
	err := s.bun.NewSelect().
		Model(&rows).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	byID := make(map[string]beast.Message, len(rows))
	for _, row := range rows {
		msg, err := row.Beast()
		if err != nil {
			return nil, err
		}
		byID[msg.ID] = msg
	}
	out := make([]beast.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := byID[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// MessagesByHashtag returns messages carrying the hashtag, newest display
// date first, optionally only those before the given time.
func (s *Store) MessagesByHashtag(ctx context.Context, name string, before time.Time, limit int) ([]beast.Message, error) {
	var instances []hashtagInstance
	q := s.bun.NewSelect().
		Model(&instances).
		Where("name = ?", name).
		Order("display_date DESC").
		Limit(limit)
	if !before.IsZero() {
		q = q.Where("display_date < ?", before)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	ids := make([]string, len(instances))
	for i, in := range instances {
		ids[i] = in.MessageID
	}
	return s.messagesByIDs(ctx, ids)
}

// MessagesByLocation returns messages whose display location rounds to the
// same coordinates as loc, newest display date first.
func (s *Store) MessagesByLocation(ctx context.Context, loc beast.DisplayLocation, before time.Time, limit int) ([]beast.Message, error) {
	var instances []locationInstance
	q := s.bun.NewSelect().
		Model(&instances).
		Where("latitude = ?", round(loc.Latitude, s.LocationRounding)).
		Where("longitude = ?", round(loc.Longitude, s.LocationRounding)).
		Order("display_date DESC").
		Limit(limit)
	if !before.IsZero() {
		q = q.Where("display_date < ?", before)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	ids := make([]string, len(instances))
	for i, in := range instances {
		ids[i] = in.MessageID
	}
	return s.messagesByIDs(ctx, ids)
}

// MessagesByAnnotationType returns messages carrying an annotation of the
// given type, newest display date first.
func (s *Store) MessagesByAnnotationType(ctx context.Context, annotationType string, before time.Time, limit int) ([]beast.Message, error) {
	var instances []annotationInstance
	q := s.bun.NewSelect().
		Model(&instances).
		Where("type = ?", annotationType).
		Order("display_date DESC").
		Limit(limit)
	if !before.IsZero() {
		q = q.Where("display_date < ?", before)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	ids := make([]string, len(instances))
	for i, in := range instances {
		ids[i] = in.MessageID
	}
	return s.messagesByIDs(ctx, ids)
}

// SearchMessages runs a full-text query over message text. Results come
// back most recently indexed first, by search rowid, which survives message
// ID reassignment.
func (s *Store) SearchMessages(ctx context.Context, query string) ([]beast.Message, error) {
	return s.search(ctx, "messages_search", query)
}

// SearchLocations runs a full-text query over display-location names.
func (s *Store) SearchLocations(ctx context.Context, query string) ([]beast.Message, error) {
	return s.search(ctx, "locations_search", query)
}

func (s *Store) search(ctx context.Context, table, query string) ([]beast.Message, error) {
	var ids []string
	err := s.bun.NewRaw(
		"SELECT message_id FROM "+table+" WHERE "+table+" MATCH ? ORDER BY rowid DESC",
		query,
	).Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", table, err)
	}
	return s.messagesByIDs(ctx, ids)
}
