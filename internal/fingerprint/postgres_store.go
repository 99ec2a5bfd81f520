package fingerprint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists recent fingerprints in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed fingerprint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Recent(ctx context.Context, userID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = MaxRemembered
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, first_seen, last_seen
		FROM user_fingerprints
		WHERE user_id = $1
		ORDER BY last_seen DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		var r Record
		var raw []byte
		if err := rows.Scan(&raw, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		if err := json.Unmarshal(raw, &r.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to decode fingerprint: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// Remember upserts fp and trims the user's history to MaxRemembered rows
// in one transaction.
func (s *PostgresStore) Remember(ctx context.Context, userID string, fp DeviceFingerprint, at time.Time) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_fingerprints (user_id, hash, fingerprint, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id, hash)
		DO UPDATE SET fingerprint = EXCLUDED.fingerprint, last_seen = EXCLUDED.last_seen
	`, userID, fp.Hash, raw, at)
	if err != nil {
		return fmt.Errorf("failed to remember fingerprint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM user_fingerprints
		WHERE user_id = $1 AND hash NOT IN (
			SELECT hash FROM user_fingerprints
			WHERE user_id = $1
			ORDER BY last_seen DESC
			LIMIT $2
		)
	`, userID, MaxRemembered)
	if err != nil {
		return fmt.Errorf("failed to trim fingerprints: %w", err)
	}

	return tx.Commit()
}

var _ Store = (*PostgresStore)(nil)
