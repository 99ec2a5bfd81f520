package challenge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists challenges in PostgreSQL. A consumed challenge
// keeps its row with consumed_at set until the sweeper deletes it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed challenge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, ch *Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (id, user_id, nonce, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ch.ID, ch.UserID, ch.Nonce, ch.IssuedAt, ch.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

// Take marks the row consumed with a conditional UPDATE; the row lock makes
// concurrent takers serialize and all but one match zero rows.
func (s *PostgresStore) Take(ctx context.Context, id string) (*Challenge, error) {
	var ch Challenge
	err := s.db.QueryRowContext(ctx, `
		UPDATE challenges SET consumed_at = NOW()
		WHERE id = $1 AND consumed_at IS NULL
		RETURNING id, user_id, nonce, issued_at, expires_at
	`, id).Scan(&ch.ID, &ch.UserID, &ch.Nonce, &ch.IssuedAt, &ch.ExpiresAt)
	if err == nil {
		return &ch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to take challenge: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM challenges WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up challenge: %w", err)
	}
	if exists {
		return nil, ErrAlreadyUsed
	}
	return nil, ErrNotFound
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return res.RowsAffected()
}

var _ Store = (*PostgresStore)(nil)
