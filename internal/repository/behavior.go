package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// talliesChunk bounds the IN list of a single tally query.
const talliesChunk = 500

// LoadUser retrieves an account record.
func (r *SQLRepository) LoadUser(ctx context.Context, userID string) (*domain.UserRecord, error) {
	query := `
		SELECT id, created_at, origin, device_fingerprint, mfa_enabled, status, suspended_reason
		FROM users
		WHERE id = ?
	`
	user, err := scanUser(r.db.QueryRowContext(ctx, r.rebind(query), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return user, err
}

// LoadRecentActivity returns the user's actions inside the window, newest first.
func (r *SQLRepository) LoadRecentActivity(ctx context.Context, userID string, window time.Duration) ([]domain.ActivityRecord, error) {
	query := `
		SELECT id, user_id, action, target_id, origin, device_fingerprint, ts
		FROM activity
		WHERE user_id = ? AND ts >= ?
		ORDER BY ts DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, r.since(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ActivityRecord
	for rows.Next() {
		var rec domain.ActivityRecord
		var action string
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &action, &rec.TargetID, &rec.Origin, &rec.DeviceFingerprint, &ts); err != nil {
			return nil, err
		}
		rec.Action = domain.ActionKind(action)
		rec.Timestamp = fromMillis(ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LoadVotingHistory returns the user's votes inside the window, newest first.
func (r *SQLRepository) LoadVotingHistory(ctx context.Context, userID string, window time.Duration) ([]domain.VoteRecord, error) {
	query := `
		SELECT id, user_id, target_id, value, ts
		FROM votes
		WHERE user_id = ? AND ts >= ?
		ORDER BY ts DESC
	`
	return r.queryVotes(ctx, query, userID, r.since(window))
}

// LoadReportingHistory returns the user's reports inside the window, newest first.
func (r *SQLRepository) LoadReportingHistory(ctx context.Context, userID string, window time.Duration) ([]domain.ReportRecord, error) {
	query := `
		SELECT id, user_id, event_type, latitude, longitude, status, ts
		FROM reports
		WHERE user_id = ? AND ts >= ?
		ORDER BY ts DESC
	`
	return r.queryReports(ctx, query, userID, r.since(window))
}

// LoadLocationHistory returns the user's positions inside the window, newest first.
func (r *SQLRepository) LoadLocationHistory(ctx context.Context, userID string, window time.Duration) ([]domain.LocationRecord, error) {
	query := `
		SELECT user_id, latitude, longitude, accuracy_meters, ts
		FROM locations
		WHERE user_id = ? AND ts >= ?
		ORDER BY ts DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, r.since(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.LocationRecord
	for rows.Next() {
		var rec domain.LocationRecord
		var ts int64
		if err := rows.Scan(&rec.UserID, &rec.Latitude, &rec.Longitude, &rec.AccuracyMeters, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp = fromMillis(ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LoadEndorsements returns endorsements given or received by the user inside the window.
func (r *SQLRepository) LoadEndorsements(ctx context.Context, userID string, window time.Duration) ([]domain.EndorsementRecord, error) {
	query := `
		SELECT from_user_id, to_user_id, ts
		FROM endorsements
		WHERE (from_user_id = ? OR to_user_id = ?) AND ts >= ?
		ORDER BY ts DESC
	`
	return r.queryEndorsements(ctx, query, userID, userID, r.since(window))
}

// LoadVoteTallies counts up and down votes per target, leaving out excludeUserID.
func (r *SQLRepository) LoadVoteTallies(ctx context.Context, targetIDs []string, excludeUserID string) (map[string]domain.VoteTally, error) {
	tallies := make(map[string]domain.VoteTally, len(targetIDs))

	for start := 0; start < len(targetIDs); start += talliesChunk {
		chunk := targetIDs[start:min(start+talliesChunk, len(targetIDs))]

		query := `
			SELECT target_id,
			       SUM(CASE WHEN value > 0 THEN 1 ELSE 0 END),
			       SUM(CASE WHEN value < 0 THEN 1 ELSE 0 END)
			FROM votes
			WHERE target_id IN (` + placeholders(len(chunk)) + `) AND user_id <> ?
			GROUP BY target_id
		`

		args := make([]any, 0, len(chunk)+1)
		for _, id := range chunk {
			args = append(args, id)
		}
		args = append(args, excludeUserID)

		if err := r.scanTallies(ctx, query, args, tallies); err != nil {
			return nil, err
		}
	}
	return tallies, nil
}

func (r *SQLRepository) scanTallies(ctx context.Context, query string, args []any, into map[string]domain.VoteTally) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var target string
		var up, down int64
		if err := rows.Scan(&target, &up, &down); err != nil {
			return err
		}
		into[target] = domain.VoteTally{Up: int(up), Down: int(down)}
	}
	return rows.Err()
}

// LoadRecentAccountCreations returns accounts created inside the window, newest first.
func (r *SQLRepository) LoadRecentAccountCreations(ctx context.Context, window time.Duration, limit int) ([]domain.UserRecord, error) {
	query := `
		SELECT id, created_at, origin, device_fingerprint, mfa_enabled, status, suspended_reason
		FROM users
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), r.since(window), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.UserRecord
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// LoadRecentVotes returns votes from all users inside the window, newest first.
func (r *SQLRepository) LoadRecentVotes(ctx context.Context, window time.Duration, limit int) ([]domain.VoteRecord, error) {
	query := `
		SELECT id, user_id, target_id, value, ts
		FROM votes
		WHERE ts >= ?
		ORDER BY ts DESC
		LIMIT ?
	`
	return r.queryVotes(ctx, query, r.since(window), limit)
}

// LoadRecentReports returns reports from all users inside the window, newest first.
func (r *SQLRepository) LoadRecentReports(ctx context.Context, window time.Duration, limit int) ([]domain.ReportRecord, error) {
	query := `
		SELECT id, user_id, event_type, latitude, longitude, status, ts
		FROM reports
		WHERE ts >= ?
		ORDER BY ts DESC
		LIMIT ?
	`
	return r.queryReports(ctx, query, r.since(window), limit)
}

// LoadRecentEndorsements returns endorsements made inside the window, newest first.
func (r *SQLRepository) LoadRecentEndorsements(ctx context.Context, window time.Duration, limit int) ([]domain.EndorsementRecord, error) {
	query := `
		SELECT from_user_id, to_user_id, ts
		FROM endorsements
		WHERE ts >= ?
		ORDER BY ts DESC
		LIMIT ?
	`
	return r.queryEndorsements(ctx, query, r.since(window), limit)
}

// ListSuspendedDevices returns device fingerprints seen on suspended accounts,
// both at registration and in later activity.
func (r *SQLRepository) ListSuspendedDevices(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT device_fingerprint FROM users
		WHERE status = ? AND device_fingerprint <> ''
		UNION
		SELECT a.device_fingerprint FROM activity a
		JOIN users u ON u.id = a.user_id
		WHERE u.status = ? AND a.device_fingerprint <> ''
		LIMIT ?
	`

	suspended := string(domain.UserSuspended)
	rows, err := r.db.QueryContext(ctx, r.rebind(query), suspended, suspended, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var device string
		if err := rows.Scan(&device); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// SaveUser upserts an account record. An existing account keeps its status;
// only SuspendUser and ReinstateUser change it.
func (r *SQLRepository) SaveUser(ctx context.Context, user *domain.UserRecord) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	status := user.Status
	if status == "" {
		status = domain.UserActive
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	mfa := 0
	if user.MFAEnabled {
		mfa = 1
	}

	query := `
		INSERT INTO users (
			id, created_at, origin, device_fingerprint, mfa_enabled, status, suspended_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			origin = excluded.origin,
			device_fingerprint = excluded.device_fingerprint,
			mfa_enabled = excluded.mfa_enabled
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		user.ID, millis(createdAt), user.Origin, user.DeviceFingerprint,
		mfa, string(status), user.SuspendedReason,
	)
	return err
}

// RecordActivity stores one action. Replays of the same action ID are ignored.
func (r *SQLRepository) RecordActivity(ctx context.Context, rec *domain.ActivityRecord) error {
	if rec == nil || rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("%w: activity needs an id and a user id", ErrInvalidInput)
	}

	query := `
		INSERT INTO activity (id, user_id, action, target_id, origin, device_fingerprint, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.UserID, string(rec.Action), rec.TargetID,
		rec.Origin, rec.DeviceFingerprint, millis(r.stamp(rec.Timestamp)),
	)
	return err
}

// SaveVote stores a vote. Replays of the same vote ID are ignored.
func (r *SQLRepository) SaveVote(ctx context.Context, vote *domain.VoteRecord) error {
	if vote == nil || vote.ID == "" || vote.UserID == "" || vote.TargetID == "" {
		return fmt.Errorf("%w: vote needs an id, a user id and a target", ErrInvalidInput)
	}
	if vote.Value != 1 && vote.Value != -1 {
		return fmt.Errorf("%w: vote value must be +1 or -1, got %d", ErrInvalidInput, vote.Value)
	}

	query := `
		INSERT INTO votes (id, user_id, target_id, value, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		vote.ID, vote.UserID, vote.TargetID, vote.Value, millis(r.stamp(vote.Timestamp)),
	)
	return err
}

// SaveReport upserts a report, so a later status change overwrites it.
func (r *SQLRepository) SaveReport(ctx context.Context, report *domain.ReportRecord) error {
	if report == nil || report.ID == "" || report.UserID == "" {
		return fmt.Errorf("%w: report needs an id and a user id", ErrInvalidInput)
	}

	status := report.Status
	if status == "" {
		status = domain.ReportPending
	}

	query := `
		INSERT INTO reports (id, user_id, event_type, latitude, longitude, status, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		report.ID, report.UserID, report.EventType,
		report.Latitude, report.Longitude, string(status),
		millis(r.stamp(report.Timestamp)),
	)
	return err
}

// SaveLocation stores one observed position.
func (r *SQLRepository) SaveLocation(ctx context.Context, loc *domain.LocationRecord) error {
	if loc == nil || loc.UserID == "" {
		return fmt.Errorf("%w: location needs a user id", ErrInvalidInput)
	}

	query := `
		INSERT INTO locations (user_id, ts, latitude, longitude, accuracy_meters)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, ts) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			accuracy_meters = excluded.accuracy_meters
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		loc.UserID, millis(r.stamp(loc.Timestamp)),
		loc.Latitude, loc.Longitude, loc.AccuracyMeters,
	)
	return err
}

// SaveEndorsement stores a directed endorsement. Repeats refresh its timestamp.
func (r *SQLRepository) SaveEndorsement(ctx context.Context, e *domain.EndorsementRecord) error {
	if e == nil || e.FromUserID == "" || e.ToUserID == "" {
		return fmt.Errorf("%w: endorsement needs both users", ErrInvalidInput)
	}
	if e.FromUserID == e.ToUserID {
		return fmt.Errorf("%w: self endorsement", ErrInvalidInput)
	}

	query := `
		INSERT INTO endorsements (from_user_id, to_user_id, ts)
		VALUES (?, ?, ?)
		ON CONFLICT(from_user_id, to_user_id) DO UPDATE SET
			ts = excluded.ts
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), e.FromUserID, e.ToUserID, millis(r.stamp(e.Timestamp)))
	return err
}

func (r *SQLRepository) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return r.now()
	}
	return t
}

func (r *SQLRepository) queryVotes(ctx context.Context, query string, args ...any) ([]domain.VoteRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []domain.VoteRecord
	for rows.Next() {
		var v domain.VoteRecord
		var ts int64
		if err := rows.Scan(&v.ID, &v.UserID, &v.TargetID, &v.Value, &ts); err != nil {
			return nil, err
		}
		v.Timestamp = fromMillis(ts)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (r *SQLRepository) queryReports(ctx context.Context, query string, args ...any) ([]domain.ReportRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []domain.ReportRecord
	for rows.Next() {
		var rep domain.ReportRecord
		var status string
		var ts int64
		if err := rows.Scan(&rep.ID, &rep.UserID, &rep.EventType, &rep.Latitude, &rep.Longitude, &status, &ts); err != nil {
			return nil, err
		}
		rep.Status = domain.ReportStatus(status)
		rep.Timestamp = fromMillis(ts)
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

func (r *SQLRepository) queryEndorsements(ctx context.Context, query string, args ...any) ([]domain.EndorsementRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.EndorsementRecord
	for rows.Next() {
		var e domain.EndorsementRecord
		var ts int64
		if err := rows.Scan(&e.FromUserID, &e.ToUserID, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		records = append(records, e)
	}
	return records, rows.Err()
}

func scanUser(s scanner) (*domain.UserRecord, error) {
	var user domain.UserRecord
	var createdAt int64
	var mfa int
	var status string
	if err := s.Scan(
		&user.ID, &createdAt, &user.Origin, &user.DeviceFingerprint,
		&mfa, &status, &user.SuspendedReason,
	); err != nil {
		return nil, err
	}
	user.CreatedAt = fromMillis(createdAt)
	user.MFAEnabled = mfa == 1
	user.Status = domain.UserStatus(status)
	return &user, nil
}
