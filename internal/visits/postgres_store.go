package visits

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists POIs, visits and audit records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed visit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const poiColumns = `id, name, category, latitude, longitude, tag_uid, points, xp_reward, proximity_meters, active, created_at, updated_at`

func scanPOI(sc interface{ Scan(...any) error }) (*POI, error) {
	var p POI
	var proximity sql.NullFloat64
	if err := sc.Scan(&p.ID, &p.Name, &p.Category, &p.Latitude, &p.Longitude, &p.TagUID,
		&p.Points, &p.XPReward, &proximity, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if proximity.Valid {
		p.ProximityMeters = &proximity.Float64
	}
	return &p, nil
}

func (p *PostgresStore) GetPOI(ctx context.Context, id string) (*POI, error) {
	poi, err := scanPOI(p.db.QueryRowContext(ctx, `SELECT `+poiColumns+` FROM pois WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPOINotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get poi: %w", err)
	}
	return poi, nil
}

func (p *PostgresStore) UpsertPOI(ctx context.Context, poi *POI) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pois (id, name, category, latitude, longitude, tag_uid, points, xp_reward, proximity_meters, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			tag_uid = EXCLUDED.tag_uid,
			points = EXCLUDED.points,
			xp_reward = EXCLUDED.xp_reward,
			proximity_meters = EXCLUDED.proximity_meters,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, poi.ID, poi.Name, poi.Category, poi.Latitude, poi.Longitude, poi.TagUID,
		poi.Points, poi.XPReward, poi.ProximityMeters, poi.Active, poi.CreatedAt, poi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert poi: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListPOIs(ctx context.Context, category string, limit int) ([]*POI, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+poiColumns+`
		FROM pois
		WHERE active AND ($1 = '' OR category = $1)
		ORDER BY id
		LIMIT $2
	`, category, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pois: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*POI
	for rows.Next() {
		poi, err := scanPOI(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poi: %w", err)
		}
		result = append(result, poi)
	}
	return result, rows.Err()
}

const visitColumns = `id, user_id, poi_id, audit_log_id, points_earned, xp_earned, latitude, longitude, scanned_at`

func scanVisit(sc interface{ Scan(...any) error }) (*Visit, error) {
	var v Visit
	err := sc.Scan(&v.ID, &v.UserID, &v.POIID, &v.AuditLogID, &v.PointsEarned, &v.XPEarned,
		&v.Latitude, &v.Longitude, &v.ScannedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *PostgresStore) GetVisit(ctx context.Context, userID, poiID string) (*Visit, error) {
	v, err := scanVisit(p.db.QueryRowContext(ctx,
		`SELECT `+visitColumns+` FROM visits WHERE user_id = $1 AND poi_id = $2`, userID, poiID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVisitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visit: %w", err)
	}
	return v, nil
}

func (p *PostgresStore) CreateVisit(ctx context.Context, v *Visit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO visits (`+visitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, v.ID, v.UserID, v.POIID, v.AuditLogID, v.PointsEarned, v.XPEarned, v.Latitude, v.Longitude, v.ScannedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyVisited
		}
		return fmt.Errorf("failed to create visit: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListVisits(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Visit, error) {
	o := applyListOpts(opts)

	query := `SELECT ` + visitColumns + ` FROM visits WHERE user_id = $1`
	args := []any{userID}
	if o.cursor != nil {
		query += ` AND (scanned_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	args = append(args, limit)
	query += ` ORDER BY scanned_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountVisits(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits WHERE scanned_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count visits: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) VisitSummary(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT COALESCE(p.category, ''), COUNT(*)
		FROM visits v
		LEFT JOIN pois p ON p.id = v.poi_id
		WHERE v.user_id = $1
		GROUP BY 1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize visits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("failed to scan visit summary: %w", err)
		}
		out[category] = n
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	detail, err := json.Marshal(rec.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}
	if rec.Detail == nil {
		detail = []byte("{}")
	}
	flags := rec.Flags
	if flags == nil {
		flags = []string{}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO visit_audit_log (
			id, user_id, poi_id, challenge_id, outcome, is_valid, confidence,
			flags, reason, detail, fingerprint_hash, client_ip, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.UserID, rec.POIID, rec.ChallengeID, rec.Outcome, rec.IsValid, rec.Confidence,
		pq.Array(flags), rec.Reason, detail, rec.FingerprintHash, rec.ClientIP, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListAudit(ctx context.Context, f AuditFilter, limit int, opts ...ListOption) ([]*AuditRecord, error) {
	o := applyListOpts(opts)

	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.POIID != "" {
		add("poi_id = ?", f.POIID)
	}
	if f.Outcome != "" {
		add("outcome = ?", f.Outcome)
	}
	if f.Flag != "" {
		add("? = ANY(flags)", f.Flag)
	}
	if o.cursor != nil {
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `
		SELECT id, user_id, poi_id, challenge_id, outcome, is_valid, confidence,
		       flags, reason, detail, fingerprint_hash, client_ip, created_at
		FROM visit_audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var flags pq.StringArray
		var detail []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.POIID, &rec.ChallengeID, &rec.Outcome,
			&rec.IsValid, &rec.Confidence, &flags, &rec.Reason, &detail,
			&rec.FingerprintHash, &rec.ClientIP, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Flags = []string(flags)
		if err := json.Unmarshal(detail, &rec.Detail); err != nil {
			return nil, fmt.Errorf("failed to decode audit detail: %w", err)
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AuditStats(ctx context.Context, since time.Time, topN int) (*AuditStats, error) {
	stats := &AuditStats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE outcome = 'accepted'),
		       COUNT(*) FILTER (WHERE outcome = 'rejected'),
		       COUNT(*) FILTER (WHERE outcome = 'error'),
		       COUNT(*) FILTER (WHERE outcome = 'rejected' AND flags && $2),
		       COALESCE(AVG(confidence), 0)
		FROM visit_audit_log
		WHERE created_at >= $1
	`, since, pq.Array(SpoofingFlags)).Scan(&stats.TotalValidations, &stats.Accepted, &stats.Rejected,
		&stats.Errors, &stats.SpoofingAttempts, &stats.AvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit log: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT flag, COUNT(*) AS n
		FROM visit_audit_log, unnest(flags) AS flag
		WHERE created_at >= $1
		GROUP BY flag
		ORDER BY n DESC, flag
		LIMIT $2
	`, since, topN)
	if err != nil {
		return nil, fmt.Errorf("failed to count flags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats.TopFlags = []FlagCount{}
	for rows.Next() {
		var fc FlagCount
		if err := rows.Scan(&fc.Flag, &fc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan flag count: %w", err)
		}
		stats.TopFlags = append(stats.TopFlags, fc)
	}
	return stats, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
