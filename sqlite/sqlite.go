// Package sqlite provides the engine's durable storage on an embedded
// SQLite database through uptrace/bun, with FTS5 virtual tables backing
// full-text lookup over message text and location names.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// defaultLocationRounding is the number of coordinate digits kept when
// indexing display locations. Two locations rounding to the same value are
// treated as the same place.
const defaultLocationRounding = 3

// Store provides storage in SQLite. It implements beast.Store.
type Store struct {
	bun *bun.DB

	// LocationRounding is the coordinate rounding precision, in digits,
	// used by the display-location index.
	LocationRounding int
}

// Connect opens the database, pings it to ensure the connection is working,
// and creates any missing tables. The connection pool is capped at one
// connection: SQLite allows a single writer and the engine serializes its
// writes anyway.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	sqlDB, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	s := &Store{
		bun:              db,
		LocationRounding: defaultLocationRounding,
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.bun.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	models := []any{
		(*message)(nil),
		(*hashtagInstance)(nil),
		(*locationInstance)(nil),
		(*annotationInstance)(nil),
		(*pendingDeletion)(nil),
		(*pendingFile)(nil),
		(*fileAttachment)(nil),
		(*actionSpec)(nil),
	}
	for _, m := range models {
		if _, err := s.bun.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// The search tables are keyed by their own monotonically increasing
	// rowid, not the message ID, so recency ordering of search results
	// survives ID reassignment on send.
	ddl := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_search USING fts5(message_text, message_id UNINDEXED, channel_id UNINDEXED)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS locations_search USING fts5(name, message_id UNINDEXED, channel_id UNINDEXED)`,
	}
	for _, q := range ddl {
		if _, err := s.bun.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create search table: %w", err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return s.bun.RunInTx(ctx, &sql.TxOptions{}, fn)
}
