package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Timestamps are unix milliseconds.

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at BIGINT NOT NULL,
    origin TEXT NOT NULL DEFAULT '',
    device_fingerprint TEXT NOT NULL DEFAULT '',
    mfa_enabled INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    suspended_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_users_created ON users(created_at);
CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);
`

const schemaTrustScores = `
CREATE TABLE IF NOT EXISTS trust_scores (
    user_id TEXT PRIMARY KEY,
    overall DOUBLE PRECISION NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    decay_applied DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_activity BIGINT NOT NULL DEFAULT 0,
    last_updated BIGINT NOT NULL,
    version BIGINT NOT NULL DEFAULT 0,
    data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trust_scores_stale ON trust_scores(last_activity, last_updated);
`

const schemaActivity = `
CREATE TABLE IF NOT EXISTS activity (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL,
    target_id TEXT NOT NULL DEFAULT '',
    origin TEXT NOT NULL DEFAULT '',
    device_fingerprint TEXT NOT NULL DEFAULT '',
    ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_user ON activity(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_activity_device ON activity(device_fingerprint);
`

const schemaVotes = `
CREATE TABLE IF NOT EXISTS votes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    value INTEGER NOT NULL,
    ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_votes_user ON votes(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_votes_target ON votes(target_id);
CREATE INDEX IF NOT EXISTS idx_votes_ts ON votes(ts);
`

const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    event_type TEXT NOT NULL DEFAULT '',
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    status TEXT NOT NULL,
    ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_reports_ts ON reports(ts);
`

const schemaLocations = `
CREATE TABLE IF NOT EXISTS locations (
    user_id TEXT NOT NULL,
    ts BIGINT NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    accuracy_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, ts)
);
`

const schemaEndorsements = `
CREATE TABLE IF NOT EXISTS endorsements (
    from_user_id TEXT NOT NULL,
    to_user_id TEXT NOT NULL,
    ts BIGINT NOT NULL,
    PRIMARY KEY (from_user_id, to_user_id)
);

CREATE INDEX IF NOT EXISTS idx_endorsements_to ON endorsements(to_user_id);
CREATE INDEX IF NOT EXISTS idx_endorsements_ts ON endorsements(ts);
`

const schemaRiskRules = `
CREATE TABLE IF NOT EXISTS risk_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    expression TEXT NOT NULL,
    contribution DOUBLE PRECISION NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    updated_at BIGINT NOT NULL
);
`

// AllSchemas returns all schema definitions in order.
func AllSchemas() []string {
	return []string{
		schemaUsers,
		schemaTrustScores,
		schemaActivity,
		schemaVotes,
		schemaReports,
		schemaLocations,
		schemaEndorsements,
		schemaRiskRules,
	}
}
