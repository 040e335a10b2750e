package repository

// Schema definitions for the Merlin database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    merchant_category TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    device_id TEXT NOT NULL,
    location_state TEXT NOT NULL,
    location_country TEXT NOT NULL,
    channel TEXT NOT NULL,
    risk_score REAL NOT NULL,
    risk_category TEXT NOT NULL,
    rule_score REAL NOT NULL,
    statistical_score REAL NOT NULL,
    ml_score REAL,
    z_score REAL NOT NULL,
    velocity_count INTEGER NOT NULL,
    model_version TEXT,
    explanation TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    evaluated_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions(risk_category);
`

// Histogram and set columns are JSON TEXT blobs; corrupt blobs load as
// empty collections with a logged warning.
const schemaBaselines = `
CREATE TABLE IF NOT EXISTS user_baselines (
    user_id TEXT PRIMARY KEY,
    transaction_count INTEGER NOT NULL DEFAULT 0,
    avg_amount TEXT NOT NULL,
    std_amount TEXT NOT NULL,
    min_amount TEXT NOT NULL,
    max_amount TEXT NOT NULL,
    most_common_hour INTEGER,
    hour_distribution TEXT,
    merchant_categories TEXT,
    known_merchants TEXT,
    location_states TEXT,
    location_countries TEXT,
    known_devices TEXT,
    last_transaction_time TIMESTAMP,
    last_transaction_state TEXT,
    last_transaction_country TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

// The unique transaction_id constraint backs the atomic
// insert-if-absent alert creation.
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    risk_score REAL NOT NULL,
    status TEXT NOT NULL,
    analyst_notes TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    points REAL NOT NULL,
    explanation TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaBaselines,
		schemaAlerts,
		schemaRuleConfigs,
	}
}
