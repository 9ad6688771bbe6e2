package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/username/cryptofolio/backend/src/database"
	"github.com/username/cryptofolio/backend/src/models"
)

// ConnectionRecord is an exchange connection as stored: the API secret stays sealed.
type ConnectionRecord struct {
	Connection   models.ExchangeConnection
	SealedSecret string
}

// ConnectionStore persists exchange API credentials.
type ConnectionStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewConnectionStore creates a store over db.
func NewConnectionStore(db *sql.DB, dialect database.Dialect) *ConnectionStore {
	return &ConnectionStore{db: db, dialect: dialect}
}

// FindConnection returns the user's connection for source, or nil if there is none.
func (s *ConnectionStore) FindConnection(ctx context.Context, userID int64, source string) (*ConnectionRecord, error) {
	query := s.dialect.Rebind(`
		SELECT id, user_id, source, api_key, api_secret_sealed, last_synced_at,
			backfill_before, backfill_started_at, created_at, updated_at
		FROM exchange_connections WHERE user_id = ? AND source = ?`)
	record, err := scanConnection(s.db.QueryRowContext(ctx, query, userID, source))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching %s connection for user %d: %w", source, userID, err)
	}
	return record, nil
}

// UpsertConnection creates or replaces the user's credentials for the record's source.
func (s *ConnectionStore) UpsertConnection(ctx context.Context, record ConnectionRecord) (*models.ExchangeConnection, error) {
	now := time.Now().UTC()
	query := s.dialect.Rebind(`
		INSERT INTO exchange_connections (user_id, source, api_key, api_secret_sealed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, source) DO UPDATE SET
			api_key = excluded.api_key,
			api_secret_sealed = excluded.api_secret_sealed,
			updated_at = excluded.updated_at
		RETURNING id, user_id, source, api_key, api_secret_sealed, last_synced_at,
			backfill_before, backfill_started_at, created_at, updated_at`)
	conn := record.Connection
	saved, err := scanConnection(s.db.QueryRowContext(ctx, query,
		conn.UserID, conn.Source, conn.APIKey, record.SealedSecret, now, now))
	if err != nil {
		return nil, fmt.Errorf("error saving %s connection: %w", conn.Source, err)
	}
	return &saved.Connection, nil
}

// ListConnections returns the user's connections without secrets.
func (s *ConnectionStore) ListConnections(ctx context.Context, userID int64) ([]models.ExchangeConnection, error) {
	query := s.dialect.Rebind(`
		SELECT id, user_id, source, api_key, api_secret_sealed, last_synced_at,
			backfill_before, backfill_started_at, created_at, updated_at
		FROM exchange_connections WHERE user_id = ? ORDER BY source`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing connections: %w", err)
	}
	defer rows.Close()

	connections := make([]models.ExchangeConnection, 0)
	for rows.Next() {
		record, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning connection: %w", err)
		}
		connections = append(connections, record.Connection)
	}
	return connections, rows.Err()
}

// MarkSynced records a completed exchange sync and clears any pending backfill.
func (s *ConnectionStore) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	query := s.dialect.Rebind(`
		UPDATE exchange_connections
		SET last_synced_at = ?, backfill_before = NULL, backfill_started_at = NULL, updated_at = ?
		WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id)
	return err
}

// MarkBackfill records a sync that stopped at the page limit. last_synced_at is left
// alone; startedAt is kept from the first interrupted sync of the run.
func (s *ConnectionStore) MarkBackfill(ctx context.Context, id int64, before, startedAt time.Time) error {
	query := s.dialect.Rebind(`
		UPDATE exchange_connections
		SET backfill_before = ?, backfill_started_at = COALESCE(backfill_started_at, ?), updated_at = ?
		WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, before.UTC(), startedAt.UTC(), time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*ConnectionRecord, error) {
	var (
		record                           ConnectionRecord
		lastSync, backfill, backfillFrom sql.NullTime
	)
	c := &record.Connection
	if err := row.Scan(&c.ID, &c.UserID, &c.Source, &c.APIKey, &record.SealedSecret,
		&lastSync, &backfill, &backfillFrom, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.LastSyncedAt = utcPointer(lastSync)
	c.BackfillBefore = utcPointer(backfill)
	c.BackfillStartedAt = utcPointer(backfillFrom)
	return &record, nil
}

func utcPointer(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
