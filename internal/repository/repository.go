package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/merlin/internal/domain"
)

// New creates a Repository based on the configured driver.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg)
	case "postgres":
		return NewPostgres(cfg)
	default:
		return nil, fmt.Errorf("unknown repository driver: %q", cfg.Driver)
	}
}

// SQLRepository implements domain.Repository against database/sql.
// Placeholder rebinding makes the same statements work on SQLite and
// PostgreSQL.
type SQLRepository struct {
	db       *sql.DB
	driver   string
	rebinder func(string) string
}

func newSQLRepository(db *sql.DB, driver string) *SQLRepository {
	r := &SQLRepository{db: db, driver: driver}
	if driver == "postgres" {
		r.rebinder = rebindPostgres
	} else {
		r.rebinder = func(q string) string { return q }
	}
	return r
}

func (r *SQLRepository) init(ctx context.Context) error {
	for _, stmt := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebindPostgres converts ? placeholders to $1..$N.
func rebindPostgres(query string) string {
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *SQLRepository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.rebinder(query), args...)
}

func (r *SQLRepository) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, r.rebinder(query), args...)
}

func (r *SQLRepository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, r.rebinder(query), args...)
}

// SaveTransaction persists a transaction together with its evaluation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction, eval *domain.EvaluationResult) error {
	rules, err := json.Marshal(eval.TriggeredRules)
	if err != nil {
		return fmt.Errorf("marshal triggered rules: %w", err)
	}
	var mlScore sql.NullFloat64
	if eval.MLScore != nil {
		mlScore = sql.NullFloat64{Float64: *eval.MLScore, Valid: true}
	}
	var modelVersion sql.NullString
	if eval.ModelVersion != "" {
		modelVersion = sql.NullString{String: eval.ModelVersion, Valid: true}
	}

	_, err = r.exec(ctx, `
		INSERT INTO transactions (
			id, user_id, amount, merchant_id, merchant_category, timestamp,
			device_id, location_state, location_country, channel,
			risk_score, risk_category, rule_score, statistical_score,
			ml_score, z_score, velocity_count, model_version,
			explanation, triggered_rules, evaluated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Amount.String(), tx.MerchantID, tx.MerchantCategory,
		tx.Timestamp.UTC(), tx.DeviceID, tx.LocationState, tx.LocationCountry, tx.Channel,
		eval.FinalScore, eval.RiskCategory, eval.RuleScore, eval.StatisticalScore,
		mlScore, eval.ZScore, eval.VelocityCount, modelVersion,
		eval.Explanation, string(rules), eval.EvaluatedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	return nil
}

func scanTransaction(scan func(...any) error) (*domain.Transaction, *domain.EvaluationResult, error) {
	var (
		tx           domain.Transaction
		eval         domain.EvaluationResult
		amount       string
		mlScore      sql.NullFloat64
		modelVersion sql.NullString
		rulesBlob    string
		createdAt    time.Time
	)
	err := scan(
		&tx.ID, &tx.UserID, &amount, &tx.MerchantID, &tx.MerchantCategory, &tx.Timestamp,
		&tx.DeviceID, &tx.LocationState, &tx.LocationCountry, &tx.Channel,
		&eval.FinalScore, &eval.RiskCategory, &eval.RuleScore, &eval.StatisticalScore,
		&mlScore, &eval.ZScore, &eval.VelocityCount, &modelVersion,
		&eval.Explanation, &rulesBlob, &eval.EvaluatedAt, &createdAt,
	)
	if err != nil {
		return nil, nil, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, nil, fmt.Errorf("parse amount for %s: %w", tx.ID, err)
	}
	tx.Amount = amt
	if mlScore.Valid {
		v := mlScore.Float64
		eval.MLScore = &v
	}
	if modelVersion.Valid {
		eval.ModelVersion = modelVersion.String
	}
	if rulesBlob != "" {
		if err := json.Unmarshal([]byte(rulesBlob), &eval.TriggeredRules); err != nil {
			slog.Warn("corrupt triggered_rules blob, reading as empty",
				"transaction_id", tx.ID, "error", err)
			eval.TriggeredRules = nil
		}
	}
	return &tx, &eval, nil
}

const transactionColumns = `
	id, user_id, amount, merchant_id, merchant_category, timestamp,
	device_id, location_state, location_country, channel,
	risk_score, risk_category, rule_score, statistical_score,
	ml_score, z_score, velocity_count, model_version,
	explanation, triggered_rules, evaluated_at, created_at`

// GetTransaction returns a transaction and its stored evaluation.
func (r *SQLRepository) GetTransaction(ctx context.Context, id string) (*domain.Transaction, *domain.EvaluationResult, error) {
	row := r.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, eval, err := scanTransaction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, eval, nil
}

// ListTransactions returns transactions matching the filter, newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, []*domain.EvaluationResult, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.RiskCategory != "" {
		conds = append(conds, "risk_category = ?")
		args = append(args, filter.RiskCategory)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	q := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += " LIMIT " + strconv.Itoa(limit)
	if filter.Offset > 0 {
		q += " OFFSET " + strconv.Itoa(filter.Offset)
	}

	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var (
		txs   []*domain.Transaction
		evals []*domain.EvaluationResult
	)
	for rows.Next() {
		tx, eval, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
		evals = append(evals, eval)
	}
	return txs, evals, rows.Err()
}

// CountTransactionsSince counts a user's stored transactions at or after
// the cutoff.
func (r *SQLRepository) CountTransactionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.queryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE user_id = ? AND timestamp >= ?`,
		userID, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions for %s: %w", userID, err)
	}
	return n, nil
}

// SaveBaseline upserts a user's baseline.
func (r *SQLRepository) SaveBaseline(ctx context.Context, b *domain.UserBaseline) error {
	hourBlob, _ := json.Marshal(b.HourHistogram)
	categoriesBlob, _ := json.Marshal(b.MerchantCategories)
	merchantsBlob, _ := json.Marshal(setToList(b.KnownMerchants))
	devicesBlob, _ := json.Marshal(setToList(b.KnownDevices))
	statesBlob, _ := json.Marshal(b.LocationStates)
	countriesBlob, _ := json.Marshal(b.LocationCountries)

	var mostCommon sql.NullInt64
	if b.MostCommonHour != nil {
		mostCommon = sql.NullInt64{Int64: int64(*b.MostCommonHour), Valid: true}
	}
	var lastTime sql.NullTime
	if b.LastTransactionTime != nil {
		lastTime = sql.NullTime{Time: b.LastTransactionTime.UTC(), Valid: true}
	}

	_, err := r.exec(ctx, `
		INSERT INTO user_baselines (
			user_id, transaction_count, avg_amount, std_amount, min_amount, max_amount,
			most_common_hour, hour_distribution, merchant_categories, known_merchants,
			location_states, location_countries, known_devices,
			last_transaction_time, last_transaction_state, last_transaction_country, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			transaction_count = excluded.transaction_count,
			avg_amount = excluded.avg_amount,
			std_amount = excluded.std_amount,
			min_amount = excluded.min_amount,
			max_amount = excluded.max_amount,
			most_common_hour = excluded.most_common_hour,
			hour_distribution = excluded.hour_distribution,
			merchant_categories = excluded.merchant_categories,
			known_merchants = excluded.known_merchants,
			location_states = excluded.location_states,
			location_countries = excluded.location_countries,
			known_devices = excluded.known_devices,
			last_transaction_time = excluded.last_transaction_time,
			last_transaction_state = excluded.last_transaction_state,
			last_transaction_country = excluded.last_transaction_country,
			updated_at = excluded.updated_at`,
		b.UserID, b.TransactionCount, b.AvgAmount.String(), b.StdAmount.String(),
		b.MinAmount.String(), b.MaxAmount.String(),
		mostCommon, string(hourBlob), string(categoriesBlob), string(merchantsBlob),
		string(statesBlob), string(countriesBlob), string(devicesBlob),
		lastTime, b.LastTransactionState, b.LastTransactionCountry, b.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save baseline for %s: %w", b.UserID, err)
	}
	return nil
}

// GetBaseline loads a user's baseline. Returns domain.ErrNotFound for
// unseen users.
func (r *SQLRepository) GetBaseline(ctx context.Context, userID string) (*domain.UserBaseline, error) {
	var (
		b          domain.UserBaseline
		avg        string
		std        string
		min        string
		max        string
		mostCommon sql.NullInt64
		hours      sql.NullString
		categories sql.NullString
		merchants  sql.NullString
		states     sql.NullString
		countries  sql.NullString
		devices    sql.NullString
		lastTime   sql.NullTime
		lastState  sql.NullString
		lastCtry   sql.NullString
	)
	err := r.queryRow(ctx, `
		SELECT user_id, transaction_count, avg_amount, std_amount, min_amount, max_amount,
			most_common_hour, hour_distribution, merchant_categories, known_merchants,
			location_states, location_countries, known_devices,
			last_transaction_time, last_transaction_state, last_transaction_country, updated_at
		FROM user_baselines WHERE user_id = ?`, userID,
	).Scan(
		&b.UserID, &b.TransactionCount, &avg, &std, &min, &max,
		&mostCommon, &hours, &categories, &merchants,
		&states, &countries, &devices,
		&lastTime, &lastState, &lastCtry, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("baseline for %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline for %s: %w", userID, err)
	}

	b.AvgAmount = parseDecimal(userID, "avg_amount", avg)
	b.StdAmount = parseDecimal(userID, "std_amount", std)
	b.MinAmount = parseDecimal(userID, "min_amount", min)
	b.MaxAmount = parseDecimal(userID, "max_amount", max)
	if mostCommon.Valid {
		h := int(mostCommon.Int64)
		b.MostCommonHour = &h
	}
	b.HourHistogram = parseIntMap(userID, "hour_distribution", hours.String)
	b.MerchantCategories = parseCountMap(userID, "merchant_categories", categories.String)
	b.LocationStates = parseCountMap(userID, "location_states", states.String)
	b.LocationCountries = parseCountMap(userID, "location_countries", countries.String)
	b.KnownMerchants = parseSet(userID, "known_merchants", merchants.String)
	b.KnownDevices = parseSet(userID, "known_devices", devices.String)
	if lastTime.Valid {
		t := lastTime.Time
		b.LastTransactionTime = &t
	}
	b.LastTransactionState = lastState.String
	b.LastTransactionCountry = lastCtry.String
	return &b, nil
}

// Corrupt blobs degrade to empty collections rather than failing the
// whole baseline load.

func parseDecimal(userID, column, raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("corrupt decimal column, reading as zero",
			"user_id", userID, "column", column, "error", err)
		return decimal.Zero
	}
	return d
}

func parseIntMap(userID, column, raw string) map[int]int {
	out := make(map[int]int)
	if raw == "" {
		return out
	}
	var tmp map[string]int
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		slog.Warn("corrupt histogram blob, reading as empty",
			"user_id", userID, "column", column, "error", err)
		return out
	}
	for k, v := range tmp {
		h, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[h] = v
	}
	return out
}

func parseCountMap(userID, column, raw string) map[string]int {
	out := make(map[string]int)
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("corrupt count map blob, reading as empty",
			"user_id", userID, "column", column, "error", err)
		return make(map[string]int)
	}
	return out
}

func parseSet(userID, column, raw string) map[string]struct{} {
	out := make(map[string]struct{})
	if raw == "" {
		return out
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		slog.Warn("corrupt set blob, reading as empty",
			"user_id", userID, "column", column, "error", err)
		return out
	}
	for _, v := range list {
		out[v] = struct{}{}
	}
	return out
}

func setToList(set map[string]struct{}) []string {
	list := make([]string, 0, len(set))
	for v := range set {
		list = append(list, v)
	}
	sort.Strings(list)
	return list
}

// CreateAlertIfAbsent inserts an alert unless one already exists for the
// transaction. Returns true when a new alert was created.
func (r *SQLRepository) CreateAlertIfAbsent(ctx context.Context, alert *domain.Alert) (bool, error) {
	res, err := r.exec(ctx, `
		INSERT INTO alerts (id, transaction_id, user_id, risk_score, status, analyst_notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING`,
		alert.ID, alert.TransactionID, alert.UserID, alert.RiskScore,
		alert.Status, alert.AnalystNotes, alert.CreatedAt.UTC(), alert.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("create alert for %s: %w", alert.TransactionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create alert for %s: %w", alert.TransactionID, err)
	}
	return n > 0, nil
}

const alertColumns = `id, transaction_id, user_id, risk_score, status, analyst_notes, created_at, updated_at`

func scanAlert(scan func(...any) error) (*domain.Alert, error) {
	var (
		a     domain.Alert
		notes sql.NullString
	)
	err := scan(&a.ID, &a.TransactionID, &a.UserID, &a.RiskScore, &a.Status, &notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.AnalystNotes = notes.String
	return &a, nil
}

// GetAlertByTransaction returns the alert for a transaction, if any.
func (r *SQLRepository) GetAlertByTransaction(ctx context.Context, transactionID string) (*domain.Alert, error) {
	row := r.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE transaction_id = ?`, transactionID)
	a, err := scanAlert(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert for transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert for %s: %w", transactionID, err)
	}
	return a, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += " LIMIT " + strconv.Itoa(limit)
	if filter.Offset > 0 {
		q += " OFFSET " + strconv.Itoa(filter.Offset)
	}

	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// UpdateAlert transitions an alert's status and notes.
func (r *SQLRepository) UpdateAlert(ctx context.Context, id string, status string, notes string) (*domain.Alert, error) {
	if !domain.ValidAlertStatus(status) {
		return nil, fmt.Errorf("%w: invalid alert status %q", domain.ErrInvalidInput, status)
	}
	res, err := r.exec(ctx,
		`UPDATE alerts SET status = ?, analyst_notes = ?, updated_at = ? WHERE id = ?`,
		status, notes, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update alert %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}

	row := r.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("reload alert %s: %w", id, err)
	}
	return a, nil
}

// SaveRuleConfig upserts a custom rule definition.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rc *domain.RuleConfig) error {
	enabled := 0
	if rc.Enabled {
		enabled = 1
	}
	_, err := r.exec(ctx, `
		INSERT INTO rule_configs (id, name, description, expression, points, explanation, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			points = excluded.points,
			explanation = excluded.explanation,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		rc.ID, rc.Name, rc.Description, rc.Expression, rc.Points,
		rc.Explanation, enabled, rc.CreatedAt.UTC(), rc.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save rule config %s: %w", rc.ID, err)
	}
	return nil
}

// ListRuleConfigs returns all stored custom rules ordered by name.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	rows, err := r.query(ctx, `
		SELECT id, name, description, expression, points, explanation, enabled, created_at, updated_at
		FROM rule_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list rule configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var (
			rc      domain.RuleConfig
			desc    sql.NullString
			expl    sql.NullString
			enabled int
		)
		if err := rows.Scan(&rc.ID, &rc.Name, &desc, &rc.Expression, &rc.Points,
			&expl, &enabled, &rc.CreatedAt, &rc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule config: %w", err)
		}
		rc.Description = desc.String
		rc.Explanation = expl.String
		rc.Enabled = enabled != 0
		configs = append(configs, &rc)
	}
	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
