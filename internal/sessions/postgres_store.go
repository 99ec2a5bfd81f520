package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists sessions and the session log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) UpsertSession(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (session_hash, user_id, ip, latitude, longitude, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_hash) DO UPDATE SET
			ip = EXCLUDED.ip,
			latitude = COALESCE(EXCLUDED.latitude, sessions.latitude),
			longitude = COALESCE(EXCLUDED.longitude, sessions.longitude),
			last_seen_at = EXCLUDED.last_seen_at
	`, s.Hash, s.UserID, s.IP, s.Latitude, s.Longitude, s.CreatedAt, s.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

const sessionColumns = `session_hash, user_id, ip, latitude, longitude, created_at, last_seen_at, revoked_at, revoke_reason`

func scanSession(sc interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var lat, lon sql.NullFloat64
	var revoked sql.NullTime
	if err := sc.Scan(&s.Hash, &s.UserID, &s.IP, &lat, &lon, &s.CreatedAt, &s.LastSeenAt, &revoked, &s.RevokeReason); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		s.Latitude, s.Longitude = &lat.Float64, &lon.Float64
	}
	if revoked.Valid {
		s.RevokedAt = &revoked.Time
	}
	return &s, nil
}

func (p *PostgresStore) GetSession(ctx context.Context, hash string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_hash = $1`, hash)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListLive(ctx context.Context, userID string, since time.Time) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND last_seen_at >= $2
		ORDER BY last_seen_at DESC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RevokeSession(ctx context.Context, hash, reason string, at time.Time) (string, bool, error) {
	var userID string
	err := p.db.QueryRowContext(ctx, `
		UPDATE sessions SET revoked_at = $2, revoke_reason = $3
		WHERE session_hash = $1 AND revoked_at IS NULL
		RETURNING user_id
	`, hash, at, reason).Scan(&userID)
	if err == nil {
		return userID, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("failed to revoke session: %w", err)
	}

	// Unknown or already revoked.
	err = p.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE session_hash = $1`, hash).Scan(&userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("failed to look up session: %w", err)
	}
	return userID, false, nil
}

func (p *PostgresStore) RevokeUser(ctx context.Context, userID, reason string, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = $2, revoke_reason = $3
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count revoked sessions: %w", err)
	}
	return int(n), nil
}

func (p *PostgresStore) Append(ctx context.Context, e *LogEntry) error {
	flags := e.Flags
	if flags == nil {
		flags = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_log (id, user_id, session_hash, action, flags, suspicious, ip, latitude, longitude, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.UserID, e.SessionHash, e.Action, pq.Array(flags), e.Suspicious, e.IP, e.Latitude, e.Longitude, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append session log: %w", err)
	}
	return nil
}

func (p *PostgresStore) CountActions(ctx context.Context, userID, action string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_log
		WHERE user_id = $1 AND action = $2 AND created_at >= $3
	`, userID, action, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count session actions: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) Suspicious(ctx context.Context, userID string, since time.Time) (int, []string, error) {
	var n int
	var flags pq.StringArray
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE((SELECT flags FROM session_log
		                 WHERE user_id = $1 AND suspicious AND created_at >= $2
		                 ORDER BY created_at DESC LIMIT 1), '{}')
		FROM session_log
		WHERE user_id = $1 AND suspicious AND created_at >= $2
	`, userID, since).Scan(&n, &flags)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query suspicious sessions: %w", err)
	}
	return n, []string(flags), nil
}

func (p *PostgresStore) CountActive(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE revoked_at IS NULL AND last_seen_at >= $1
	`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CountSuspicious(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT CASE WHEN session_hash = '' THEN 'id:' || id ELSE session_hash END)
		FROM session_log
		WHERE suspicious AND created_at >= $1
	`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count suspicious sessions: %w", err)
	}
	return n, nil
}

var _ Store = (*PostgresStore)(nil)
