package rewards

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the reward ledger and XP totals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed reward store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const entryColumns = `id, user_id, action_type, poi_id, idempotency_key, reference, xp_awarded, new_total,
	suspicious_score, status, latitude, longitude, metadata, created_at`

func scanEntry(sc interface{ Scan(...any) error }) (*LedgerEntry, error) {
	var (
		e         LedgerEntry
		poiID     sql.NullString
		reference sql.NullString
		lat, lon  sql.NullFloat64
		metadata  []byte
	)
	if err := sc.Scan(&e.ID, &e.UserID, &e.ActionType, &poiID, &e.IdempotencyKey, &reference,
		&e.XPAwarded, &e.NewTotal, &e.SuspiciousScore, &e.Status, &lat, &lon, &metadata, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.POIID = poiID.String
	e.Reference = reference.String
	if lat.Valid && lon.Valid {
		e.Latitude, e.Longitude = &lat.Float64, &lon.Float64
	}
	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) GetByKey(ctx context.Context, userID, key string) (*LedgerEntry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM reward_ledger WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reward entry: %w", err)
	}
	return e, nil
}

// Record runs the progress update and ledger insert in one transaction.
// The progress row is locked first so concurrent awards for a user
// serialize on it.
func (p *PostgresStore) Record(ctx context.Context, e *LedgerEntry) (*LedgerEntry, bool, error) {
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = b
	}
	xp := 0
	if e.Status == StatusAwarded {
		xp = e.XPAwarded
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_progress (user_id, xp_total, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			xp_total = user_progress.xp_total + EXCLUDED.xp_total,
			updated_at = EXCLUDED.updated_at
		RETURNING xp_total
	`, e.UserID, xp, e.CreatedAt).Scan(&total)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update progress: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reward_ledger (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT ON CONSTRAINT uq_reward_ledger_idempotency DO NOTHING
	`, e.ID, e.UserID, e.ActionType, nullString(e.POIID), e.IdempotencyKey, nullString(e.Reference),
		e.XPAwarded, total, e.SuspiciousScore, e.Status, e.Latitude, e.Longitude, metadata, e.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, false, ErrAlreadyAwarded
		}
		return nil, false, fmt.Errorf("failed to insert reward entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Same idempotency key raced in; drop the progress update.
		_ = tx.Rollback()
		existing, err := p.GetByKey(ctx, e.UserID, e.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit reward: %w", err)
	}
	e.NewTotal = total
	stored := *e
	return &stored, true, nil
}

func (p *PostgresStore) LastLocated(ctx context.Context, userID string) (*LedgerEntry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM reward_ledger
		WHERE user_id = $1 AND status = 'awarded' AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last located entry: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) CountViolations(ctx context.Context, userID string, since time.Time, threshold int) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reward_ledger
		WHERE user_id = $1 AND created_at >= $2 AND suspicious_score >= $3
	`, userID, since, threshold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) GetProgress(ctx context.Context, userID string) (*UserProgress, error) {
	prog := &UserProgress{UserID: userID}
	err := p.db.QueryRowContext(ctx,
		`SELECT xp_total, updated_at FROM user_progress WHERE user_id = $1`, userID,
	).Scan(&prog.XPTotal, &prog.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return prog, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	return prog, nil
}

func (p *PostgresStore) Stats(ctx context.Context, since time.Time, threshold int) (int64, int, error) {
	var (
		xp       int64
		cheating int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(xp_awarded) FILTER (WHERE status = 'awarded'), 0),
			COUNT(*) FILTER (WHERE suspicious_score >= $2)
		FROM reward_ledger
		WHERE created_at >= $1
	`, since, threshold).Scan(&xp, &cheating)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get reward stats: %w", err)
	}
	return xp, cheating, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM reward_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reward entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reward entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
