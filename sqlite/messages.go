package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/rrbrambley/messagebeast/beast"
)

// UpsertMessage replaces the row keyed by msg.ID and rebuilds the message's
// secondary-index and search entries, all inside one transaction.
func (s *Store) UpsertMessage(ctx context.Context, msg beast.Message) error {
	row, err := messageRow(msg)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*message)(nil)).Where("id = ?", msg.ID).Exec(ctx); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		if err := deleteIndexRows(ctx, tx, msg.ID); err != nil {
			return err
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return s.insertIndexRows(ctx, tx, msg)
	})
}

func (s *Store) insertIndexRows(ctx context.Context, tx bun.Tx, msg beast.Message) error {
	for _, name := range beast.Hashtags(msg.Text) {
		h := &hashtagInstance{
			Name:        name,
			MessageID:   msg.ID,
			ChannelID:   msg.ChannelID,
			DisplayDate: msg.DisplayDate,
		}
		if _, err := tx.NewInsert().Model(h).Exec(ctx); err != nil {
			return fmt.Errorf("insert hashtag: %w", err)
		}
	}

	if loc, ok := beast.DisplayLocationOf(msg); ok {
		l := &locationInstance{
			MessageID:   msg.ID,
			Name:        loc.Name,
			Latitude:    round(loc.Latitude, s.LocationRounding),
			Longitude:   round(loc.Longitude, s.LocationRounding),
			ChannelID:   msg.ChannelID,
			DisplayDate: msg.DisplayDate,
		}
		if _, err := tx.NewInsert().Model(l).Exec(ctx); err != nil {
			return fmt.Errorf("insert location: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO locations_search (name, message_id, channel_id) VALUES (?, ?, ?)",
			loc.Name, msg.ID, msg.ChannelID); err != nil {
			return fmt.Errorf("index location: %w", err)
		}
	}

	seen := make(map[string]struct{})
	for _, ann := range msg.Annotations {
		if _, ok := seen[ann.Type]; ok {
			continue
		}
		seen[ann.Type] = struct{}{}
		a := &annotationInstance{
			Type:        ann.Type,
			MessageID:   msg.ID,
			ChannelID:   msg.ChannelID,
			DisplayDate: msg.DisplayDate,
		}
		if _, err := tx.NewInsert().Model(a).Exec(ctx); err != nil {
			return fmt.Errorf("insert annotation instance: %w", err)
		}
	}

	if msg.Text != "" {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages_search (message_text, message_id, channel_id) VALUES (?, ?, ?)",
			msg.Text, msg.ID, msg.ChannelID); err != nil {
			return fmt.Errorf("index text: %w", err)
		}
	}
	return nil
}

func deleteIndexRows(ctx context.Context, tx bun.Tx, messageID string) error {
	for _, m := range []any{(*hashtagInstance)(nil), (*locationInstance)(nil), (*annotationInstance)(nil)} {
		if _, err := tx.NewDelete().Model(m).Where("message_id = ?", messageID).Exec(ctx); err != nil {
			return fmt.Errorf("delete index rows: %w", err)
		}
	}
	for _, table := range []string{"messages_search", "locations_search"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE message_id = ?", messageID); err != nil {
			return fmt.Errorf("delete search rows: %w", err)
		}
	}
	return nil
}

// DeleteMessage removes the message and cascades over its index, search and
// file-attachment rows. A failure anywhere rolls the whole cascade back.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	return s.inTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*message)(nil)).Where("id = ?", messageID).Exec(ctx); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		if err := deleteIndexRows(ctx, tx, messageID); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*fileAttachment)(nil)).Where("message_id = ?", messageID).Exec(ctx); err != nil {
			return fmt.Errorf("delete attachments: %w", err)
		}
		return nil
	})
}

// RekeyMessage moves the row keyed oldID under msg.ID. Index and search rows
// are updated in place rather than rebuilt, so the search tables keep their
// rowids and with them result recency across the identity change. The
// message's indexed content (text, annotations, location) must be unchanged
// from the row being re-keyed.
func (s *Store) RekeyMessage(ctx context.Context, oldID string, msg beast.Message) error {
	row, err := messageRow(msg)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		// Clear anything already sitting under the new ID.
		if _, err := tx.NewDelete().Model((*message)(nil)).Where("id = ?", msg.ID).Exec(ctx); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		if err := deleteIndexRows(ctx, tx, msg.ID); err != nil {
			return err
		}

		_, err := tx.NewUpdate().
			Model((*message)(nil)).
			Set("id = ?", row.ID).
			Set("channel_id = ?", row.ChannelID).
			Set("display_date = ?", row.DisplayDate).
			Set("payload = ?", row.Payload).
			Set("message_text = ?", row.MessageText).
			Set("unsent = ?", row.Unsent).
			Set("send_attempts = ?", row.SendAttempts).
			Where("id = ?", oldID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}

		models := []any{
			(*hashtagInstance)(nil),
			(*locationInstance)(nil),
			(*annotationInstance)(nil),
			(*fileAttachment)(nil),
		}
		for _, m := range models {
			_, err := tx.NewUpdate().
				Model(m).
				Set("message_id = ?", msg.ID).
				Where("message_id = ?", oldID).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("update index rows: %w", err)
			}
		}
		for _, table := range []string{"messages_search", "locations_search"} {
			if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET message_id = ? WHERE message_id = ?", msg.ID, oldID); err != nil {
				return fmt.Errorf("update search rows: %w", err)
			}
		}
		return nil
	})
}

// Message returns the message keyed by messageID, or beast.ErrNotFound.
func (s *Store) Message(ctx context.Context, messageID string) (beast.Message, error) {
	var row message
	err := s.bun.NewSelect().Model(&row).Where("id = ?", messageID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return beast.Message{}, fmt.Errorf("message %s: %w", messageID, beast.ErrNotFound)
	}
	if err != nil {
		return beast.Message{}, fmt.Errorf("scan: %w", err)
	}
	return row.Beast()
}

// Messages returns up to limit messages of the channel with display date
// before the given time, newest first, along with the cursor over the
// returned rows. Unsent rows contribute their dates to the cursor but never
// their synthetic IDs.
func (s *Store) Messages(ctx context.Context, channelID string, before time.Time, limit int) (beast.MessageBatch, error) {
	var rows []message
	q := s.bun.NewSelect().
		Model(&rows).
		Where("channel_id = ?", channelID).
		Order("display_date DESC").
		Limit(limit)
	if !before.IsZero() {
		q = q.Where("display_date < ?", before)
	}
	if err := q.Scan(ctx); err != nil {
		return beast.MessageBatch{}, fmt.Errorf("scan: %w", err)
	}

	batch := beast.MessageBatch{Messages: make([]beast.Message, 0, len(rows))}
	for _, row := range rows {
		msg, err := row.Beast()
		if err != nil {
			return beast.MessageBatch{}, err
		}
		batch.Messages = append(batch.Messages, msg)
		if msg.Unsent {
			batch.Pair = batch.Pair.ExpandDate(msg.DisplayDate)
		} else {
			batch.Pair = batch.Pair.Expand(msg.ID, msg.DisplayDate)
		}
	}

	if len(rows) == limit && limit > 0 {
		oldest := rows[len(rows)-1].DisplayDate
		more, err := s.bun.NewSelect().
			Model((*message)(nil)).
			Where("channel_id = ?", channelID).
			Where("display_date < ?", oldest).
			Exists(ctx)
		if err != nil {
			return beast.MessageBatch{}, fmt.Errorf("exists: %w", err)
		}
		batch.IsMore = more
	}
	return batch, nil
}

// UnsentMessages returns the channel's unsent messages in ascending
// temporary-ID order.
func (s *Store) UnsentMessages(ctx context.Context, channelID string) ([]beast.Message, error) {
	var rows []message
	err := s.bun.NewSelect().
		Model(&rows).
		Where("channel_id = ?", channelID).
		Where("unsent").
		OrderExpr("CAST(id AS INTEGER) ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]beast.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.Beast()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// GlobalMaxID returns the largest message ID across the whole store, unsent
// rows included, or 0 for an empty store. Temporary IDs are assigned above
// this value, which is what keeps them globally unique.
func (s *Store) GlobalMaxID(ctx context.Context) (int64, error) {
	var maxID int64
	err := s.bun.NewSelect().
		Model((*message)(nil)).
		ColumnExpr("COALESCE(MAX(CAST(id AS INTEGER)), 0)").
		Scan(ctx, &maxID)
	if err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}
	return maxID, nil
}
