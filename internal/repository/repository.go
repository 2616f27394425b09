// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.DataStore using database/sql.
// Works with SQLite and with PostgreSQL through either lib/pq or pgx.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    time.Now,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// SetClock replaces the clock used to resolve time windows.
func (r *SQLRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}

	added, err := r.addColumn("trust_scores", "version", "BIGINT NOT NULL DEFAULT 0")
	if err != nil || !added {
		return err
	}
	// Rows written before versioning count as stored once.
	_, err = r.db.Exec(`UPDATE trust_scores SET version = 1 WHERE version = 0`)
	return err
}

// addColumn adds a column to a table created by an older schema and reports
// whether it had to.
func (r *SQLRepository) addColumn(table, column, definition string) (bool, error) {
	if _, err := r.db.Exec(`SELECT ` + column + ` FROM ` + table + ` LIMIT 0`); err == nil {
		return false, nil
	}
	if _, err := r.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + definition); err != nil {
		return false, fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return true, nil
}

// LoadTrustScore retrieves a user's trust score.
func (r *SQLRepository) LoadTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	var (
		data    string
		version int64
	)
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT version, data FROM trust_scores WHERE user_id = ?`), userID).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var score domain.TrustScore
	if err := json.Unmarshal([]byte(data), &score); err != nil {
		return nil, fmt.Errorf("decode trust score %s: %w", userID, err)
	}
	score.Version = version
	return &score, nil
}

// SaveTrustScore writes a user's trust score if nobody else wrote it since it
// was loaded. Version 0 inserts; any other version updates the matching row.
func (r *SQLRepository) SaveTrustScore(ctx context.Context, score *domain.TrustScore) error {
	if score == nil || score.UserID == "" {
		return fmt.Errorf("%w: trust score needs a user id", ErrInvalidInput)
	}

	expected := score.Version
	score.Version = expected + 1
	data, err := json.Marshal(score)
	if err != nil {
		score.Version = expected
		return fmt.Errorf("encode trust score: %w", err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = r.db.ExecContext(ctx, r.rebind(`
			INSERT INTO trust_scores (
				user_id, overall, confidence, decay_applied, last_activity, last_updated, version, data
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING
		`),
			score.UserID, score.Overall, score.Confidence, score.DecayApplied,
			millis(score.Reputation.LastActivity), millis(score.LastUpdated),
			score.Version, string(data),
		)
	} else {
		res, err = r.db.ExecContext(ctx, r.rebind(`
			UPDATE trust_scores SET
				overall = ?, confidence = ?, decay_applied = ?,
				last_activity = ?, last_updated = ?, version = ?, data = ?
			WHERE user_id = ? AND version = ?
		`),
			score.Overall, score.Confidence, score.DecayApplied,
			millis(score.Reputation.LastActivity), millis(score.LastUpdated),
			score.Version, string(data),
			score.UserID, expected,
		)
	}
	if err != nil {
		score.Version = expected
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		score.Version = expected
		return err
	}
	if n == 0 {
		score.Version = expected
		return fmt.Errorf("trust score %s at version %d: %w", score.UserID, expected, domain.ErrConflict)
	}
	return nil
}

// ListStaleTrustScores returns scores that may still owe inactivity decay.
func (r *SQLRepository) ListStaleTrustScores(ctx context.Context, q domain.StaleQuery) ([]string, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT user_id FROM trust_scores
		WHERE last_activity > 0
		  AND last_activity < ?
		  AND last_updated < ?
		  AND overall > ?
		  AND decay_applied < ?
		ORDER BY last_updated
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		millis(q.ActiveBefore), millis(q.UpdatedBefore), q.Floor, q.MaxDecay, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveRiskRule upserts an operator risk rule.
func (r *SQLRepository) SaveRiskRule(ctx context.Context, rule *domain.RiskRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	updatedAt := rule.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}

	query := `
		INSERT INTO risk_rules (
			id, name, description, expression, contribution, severity, enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			contribution = excluded.contribution,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		rule.Contribution, string(rule.Severity), enabled, millis(updatedAt),
	)
	return err
}

const riskRuleColumns = `id, name, description, expression, contribution, severity, enabled, updated_at`

// GetRiskRule retrieves a risk rule by ID.
func (r *SQLRepository) GetRiskRule(ctx context.Context, ruleID string) (*domain.RiskRule, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+riskRuleColumns+` FROM risk_rules WHERE id = ?`), ruleID)
	rule, err := scanRiskRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRiskRules returns every stored rule, enabled or not.
func (r *SQLRepository) ListRiskRules(ctx context.Context) ([]*domain.RiskRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+riskRuleColumns+` FROM risk_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RiskRule
	for rows.Next() {
		rule, err := scanRiskRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteRiskRule removes a rule.
func (r *SQLRepository) DeleteRiskRule(ctx context.Context, ruleID string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM risk_rules WHERE id = ?`), ruleID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRiskRule(s scanner) (*domain.RiskRule, error) {
	var rule domain.RiskRule
	var severity string
	var enabled int
	var updatedAt int64
	if err := s.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Expression,
		&rule.Contribution, &severity, &enabled, &updatedAt,
	); err != nil {
		return nil, err
	}
	rule.Severity = domain.Severity(severity)
	rule.Enabled = enabled == 1
	rule.UpdatedAt = fromMillis(updatedAt)
	return &rule, nil
}

// IsMFAEnabled reports whether the user has MFA. Unknown users have none.
func (r *SQLRepository) IsMFAEnabled(ctx context.Context, userID string) (bool, error) {
	var enabled int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT mfa_enabled FROM users WHERE id = ?`), userID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled == 1, nil
}

// SuspendUser marks an account suspended.
func (r *SQLRepository) SuspendUser(ctx context.Context, userID string, reason string) error {
	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE users SET status = ?, suspended_reason = ? WHERE id = ?`),
		string(domain.UserSuspended), reason, userID,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ReinstateUser returns a suspended account to active.
func (r *SQLRepository) ReinstateUser(ctx context.Context, userID string) error {
	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE users SET status = ?, suspended_reason = '' WHERE id = ?`),
		string(domain.UserActive), userID,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// since returns the lower bound of a window ending now, in unix milliseconds.
func (r *SQLRepository) since(window time.Duration) int64 {
	return r.now().Add(-window).UnixMilli()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" && r.driver != "pgx" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
