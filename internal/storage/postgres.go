package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

var (
	pgOpLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postgres_op_latency_seconds",
			Help:    "Latency of PostgreSQL store operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	pgOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postgres_op_errors_total",
			Help: "Total number of failed PostgreSQL store operations",
		},
		[]string{"operation"},
	)
)

// PostgresStore is a PostgreSQL-backed implementation of RuleStore,
// CardStore, ExecutionStore, IndicatorStore and AuditStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity
func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		logger.String("host", cfg.Host),
		logger.Int("port", cfg.Port),
		logger.String("database", cfg.Database),
	)

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the engine tables when they do not exist yet
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			rule_type TEXT NOT NULL,
			condition_expression TEXT NOT NULL,
			trigger_event TEXT NOT NULL,
			target_status TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			cooldown_seconds INTEGER NOT NULL DEFAULT 3600,
			priority INTEGER NOT NULL DEFAULT 5,
			send_notification BOOLEAN NOT NULL DEFAULT TRUE,
			notification_template TEXT,
			tags TEXT,
			parameters TEXT,
			last_executed_at TIMESTAMPTZ,
			trigger_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_user_enabled ON rules (user_id, enabled)`,
		`CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			stock_code TEXT NOT NULL,
			stock_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, stock_code)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cards_user_status ON cards (user_id, status)`,
		`CREATE TABLE IF NOT EXISTS rule_executions (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			card_id TEXT NOT NULL,
			status TEXT NOT NULL,
			previous_status TEXT,
			new_status TEXT,
			condition_result TEXT,
			price_snapshot TEXT,
			message TEXT,
			notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
			execution_time_ms BIGINT,
			executed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_rule_card_time ON rule_executions (rule_id, card_id, executed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_card_time ON rule_executions (card_id, executed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS indicator_snapshots (
			stock_code TEXT NOT NULL,
			ma5 DOUBLE PRECISION, ma10 DOUBLE PRECISION, ma20 DOUBLE PRECISION, ma60 DOUBLE PRECISION,
			rsi14 DOUBLE PRECISION,
			kd_k DOUBLE PRECISION, kd_d DOUBLE PRECISION,
			macd_line DOUBLE PRECISION, macd_signal DOUBLE PRECISION, macd_histogram DOUBLE PRECISION,
			volume_ma5 BIGINT, volume_ma20 BIGINT, volume_ratio DOUBLE PRECISION,
			data_points INTEGER NOT NULL,
			calculation_source TEXT NOT NULL,
			calculated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_indicators_code_time ON indicator_snapshots (stock_code, calculated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS price_history (
			stock_code TEXT NOT NULL,
			trade_date DATE NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume BIGINT NOT NULL,
			PRIMARY KEY (stock_code, trade_date)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			card_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) observe(operation string, start time.Time, err error) {
	pgOpLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		pgOpErrors.WithLabelValues(operation).Inc()
	}
}

// ---- RuleStore ----

const ruleColumns = `id, user_id, name, description, rule_type, condition_expression,
	trigger_event, target_status, enabled, cooldown_seconds, priority,
	send_notification, notification_template, tags, parameters,
	last_executed_at, trigger_count, created_at, updated_at`

// GetRule retrieves a rule by ID
func (s *PostgresStore) GetRule(ctx context.Context, id string) (rule *models.Rule, err error) {
	defer func(start time.Time) { s.observe("get_rule", start, err) }(time.Now())

	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	rule, err = scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	return rule, err
}

// FindEnabledRules retrieves all enabled rules ordered by priority then age
func (s *PostgresStore) FindEnabledRules(ctx context.Context) (rules []*models.Rule, err error) {
	defer func(start time.Time) { s.observe("find_enabled_rules", start, err) }(time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE enabled ORDER BY priority, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// FindRulesByOwner retrieves all rules owned by a user
func (s *PostgresStore) FindRulesByOwner(ctx context.Context, userID string) (rules []*models.Rule, err error) {
	defer func(start time.Time) { s.observe("find_rules_by_owner", start, err) }(time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE user_id = $1 ORDER BY priority, created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules by owner: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// AddRule inserts a new rule
func (s *PostgresStore) AddRule(ctx context.Context, rule *models.Rule) (err error) {
	defer func(start time.Time) { s.observe("add_rule", start, err) }(time.Now())

	if err = rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		rule.ID, rule.UserID, rule.Name, nullString(rule.Description), string(rule.RuleType),
		rule.ConditionExpression, string(rule.TriggerEvent), string(rule.TargetStatus),
		rule.Enabled, rule.CooldownSeconds, rule.Priority, rule.SendNotification,
		nullString(rule.NotificationTemplate), nullString(rule.Tags), nullString(rule.Parameters),
		nullTime(rule.LastExecutedAt), rule.TriggerCount, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// UpdateRule updates an existing rule
func (s *PostgresStore) UpdateRule(ctx context.Context, rule *models.Rule) (err error) {
	defer func(start time.Time) { s.observe("update_rule", start, err) }(time.Now())

	result, err := s.db.ExecContext(ctx, `
		UPDATE rules SET
			name = $2, description = $3, rule_type = $4, condition_expression = $5,
			trigger_event = $6, target_status = $7, enabled = $8, cooldown_seconds = $9,
			priority = $10, send_notification = $11, notification_template = $12,
			tags = $13, parameters = $14, last_executed_at = $15, trigger_count = $16,
			updated_at = NOW()
		WHERE id = $1`,
		rule.ID, rule.Name, nullString(rule.Description), string(rule.RuleType),
		rule.ConditionExpression, string(rule.TriggerEvent), string(rule.TargetStatus),
		rule.Enabled, rule.CooldownSeconds, rule.Priority, rule.SendNotification,
		nullString(rule.NotificationTemplate), nullString(rule.Tags), nullString(rule.Parameters),
		nullTime(rule.LastExecutedAt), rule.TriggerCount,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(result, models.ErrRuleNotFound, rule.ID)
}

// DeleteRule deletes a rule by ID
func (s *PostgresStore) DeleteRule(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { s.observe("delete_rule", start, err) }(time.Now())

	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(result, models.ErrRuleNotFound, id)
}

// EnableRule enables a rule
func (s *PostgresStore) EnableRule(ctx context.Context, id string) error {
	return s.setRuleEnabled(ctx, id, true)
}

// DisableRule disables a rule
func (s *PostgresStore) DisableRule(ctx context.Context, id string) error {
	return s.setRuleEnabled(ctx, id, false)
}

func (s *PostgresStore) setRuleEnabled(ctx context.Context, id string, enabled bool) (err error) {
	defer func(start time.Time) { s.observe("set_rule_enabled", start, err) }(time.Now())

	result, err := s.db.ExecContext(ctx,
		`UPDATE rules SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to set rule enabled: %w", err)
	}
	return requireRow(result, models.ErrRuleNotFound, id)
}

// ---- CardStore ----

// GetCard retrieves a card by ID
func (s *PostgresStore) GetCard(ctx context.Context, id string) (card *models.Card, err error) {
	defer func(start time.Time) { s.observe("get_card", start, err) }(time.Now())

	card = &models.Card{}
	var note sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT id, user_id, stock_code, stock_name, status, note, created_at, updated_at
		FROM cards WHERE id = $1`, id).
		Scan(&card.ID, &card.UserID, &card.StockCode, &card.StockName,
			&card.Status, &note, &card.CreatedAt, &card.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrCardNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	card.Note = note.String
	return card, nil
}

// FindCardsByOwner retrieves all cards owned by a user
func (s *PostgresStore) FindCardsByOwner(ctx context.Context, userID string) (cards []*models.Card, err error) {
	defer func(start time.Time) { s.observe("find_cards_by_owner", start, err) }(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, stock_code, stock_name, status, note, created_at, updated_at
		FROM cards WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards by owner: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		card := &models.Card{}
		var note sql.NullString
		if err := rows.Scan(&card.ID, &card.UserID, &card.StockCode, &card.StockName,
			&card.Status, &note, &card.CreatedAt, &card.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		card.Note = note.String
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// DistinctStockCodes lists every stock code present on any card
func (s *PostgresStore) DistinctStockCodes(ctx context.Context) (codes []string, err error) {
	defer func(start time.Time) { s.observe("distinct_stock_codes", start, err) }(time.Now())

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stock_code FROM cards ORDER BY stock_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan stock code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// AddCard inserts a new card
func (s *PostgresStore) AddCard(ctx context.Context, card *models.Card) (err error) {
	defer func(start time.Time) { s.observe("add_card", start, err) }(time.Now())

	if err = card.Validate(); err != nil {
		return fmt.Errorf("invalid card: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cards (id, user_id, stock_code, stock_name, status, note, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		card.ID, card.UserID, card.StockCode, card.StockName, string(card.Status),
		nullString(card.Note), card.CreatedAt, card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert card: %w", err)
	}
	return nil
}

// UpdateStatus atomically sets the status of a single card
func (s *PostgresStore) UpdateStatus(ctx context.Context, cardID string, status models.CardStatus) (err error) {
	defer func(start time.Time) { s.observe("update_card_status", start, err) }(time.Now())

	if !status.IsValid() {
		return models.ErrInvalidCardStatus
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE cards SET status = $2, updated_at = NOW() WHERE id = $1`, cardID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update card status: %w", err)
	}
	return requireRow(result, models.ErrCardNotFound, cardID)
}

// DeleteCard deletes a card by ID
func (s *PostgresStore) DeleteCard(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { s.observe("delete_card", start, err) }(time.Now())

	result, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete card: %w", err)
	}
	return requireRow(result, models.ErrCardNotFound, id)
}

// ---- ExecutionStore ----

// SaveExecution appends an execution record
func (s *PostgresStore) SaveExecution(ctx context.Context, record *models.ExecutionRecord) (err error) {
	defer func(start time.Time) { s.observe("save_execution", start, err) }(time.Now())

	if err = record.Validate(); err != nil {
		return fmt.Errorf("invalid execution record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_executions (id, rule_id, card_id, status, previous_status, new_status,
			condition_result, price_snapshot, message, notification_sent, execution_time_ms, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		record.ID, record.RuleID, record.CardID, string(record.Status),
		nullStatus(record.PreviousStatus), nullStatus(record.NewStatus),
		nullString(record.ConditionResult), nullString(record.PriceSnapshot),
		nullString(record.Message), record.NotificationSent, record.ExecutionTimeMs, record.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

const executionColumns = `id, rule_id, card_id, status, previous_status, new_status,
	condition_result, price_snapshot, message, notification_sent, execution_time_ms, executed_at`

// FindMostRecent returns the latest record for a (rule, card) pair
func (s *PostgresStore) FindMostRecent(ctx context.Context, ruleID, cardID string) (record *models.ExecutionRecord, err error) {
	defer func(start time.Time) { s.observe("find_most_recent_execution", start, err) }(time.Now())

	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM rule_executions
		WHERE rule_id = $1 AND card_id = $2
		ORDER BY executed_at DESC LIMIT 1`, ruleID, cardID)
	record, err = scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return record, err
}

// FindByRule returns records for a rule, newest first, paginated
func (s *PostgresStore) FindByRule(ctx context.Context, ruleID string, limit, offset int) ([]*models.ExecutionRecord, error) {
	return s.findExecutions(ctx, "find_executions_by_rule", `rule_id`, ruleID, limit, offset)
}

// FindByCard returns records for a card, newest first, paginated
func (s *PostgresStore) FindByCard(ctx context.Context, cardID string, limit, offset int) ([]*models.ExecutionRecord, error) {
	return s.findExecutions(ctx, "find_executions_by_card", `card_id`, cardID, limit, offset)
}

func (s *PostgresStore) findExecutions(ctx context.Context, op, column, value string, limit, offset int) (records []*models.ExecutionRecord, err error) {
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM rule_executions
		WHERE `+column+` = $1
		ORDER BY executed_at DESC LIMIT $2 OFFSET $3`, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ---- IndicatorStore ----

// SaveIndicator persists an indicator snapshot
func (s *PostgresStore) SaveIndicator(ctx context.Context, snapshot *models.IndicatorSnapshot) (err error) {
	defer func(start time.Time) { s.observe("save_indicator", start, err) }(time.Now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO indicator_snapshots (stock_code, ma5, ma10, ma20, ma60, rsi14,
			kd_k, kd_d, macd_line, macd_signal, macd_histogram,
			volume_ma5, volume_ma20, volume_ratio, data_points, calculation_source, calculated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		snapshot.StockCode,
		nullFloat(snapshot.MA5), nullFloat(snapshot.MA10), nullFloat(snapshot.MA20), nullFloat(snapshot.MA60),
		nullFloat(snapshot.RSI14), nullFloat(snapshot.KdK), nullFloat(snapshot.KdD),
		nullFloat(snapshot.MACDLine), nullFloat(snapshot.MACDSignal), nullFloat(snapshot.MACDHistogram),
		nullInt(snapshot.VolumeMA5), nullInt(snapshot.VolumeMA20), nullFloat(snapshot.VolumeRatio),
		snapshot.DataPoints, snapshot.CalculationSource, snapshot.CalculatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert indicator snapshot: %w", err)
	}
	return nil
}

// FindLatestIndicator returns the latest snapshot for a stock code
func (s *PostgresStore) FindLatestIndicator(ctx context.Context, stockCode string) (snapshot *models.IndicatorSnapshot, err error) {
	defer func(start time.Time) { s.observe("find_latest_indicator", start, err) }(time.Now())

	snapshot = &models.IndicatorSnapshot{}
	var (
		ma5, ma10, ma20, ma60, rsi14, kdK, kdD       sql.NullFloat64
		macdLine, macdSignal, macdHistogram, volRate sql.NullFloat64
		volMA5, volMA20                              sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT stock_code, ma5, ma10, ma20, ma60, rsi14, kd_k, kd_d,
			macd_line, macd_signal, macd_histogram,
			volume_ma5, volume_ma20, volume_ratio, data_points, calculation_source, calculated_at
		FROM indicator_snapshots WHERE stock_code = $1
		ORDER BY calculated_at DESC LIMIT 1`, stockCode).
		Scan(&snapshot.StockCode, &ma5, &ma10, &ma20, &ma60, &rsi14, &kdK, &kdD,
			&macdLine, &macdSignal, &macdHistogram, &volMA5, &volMA20, &volRate,
			&snapshot.DataPoints, &snapshot.CalculationSource, &snapshot.CalculatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get indicator snapshot: %w", err)
	}

	snapshot.MA5 = floatPtr(ma5)
	snapshot.MA10 = floatPtr(ma10)
	snapshot.MA20 = floatPtr(ma20)
	snapshot.MA60 = floatPtr(ma60)
	snapshot.RSI14 = floatPtr(rsi14)
	snapshot.KdK = floatPtr(kdK)
	snapshot.KdD = floatPtr(kdD)
	snapshot.MACDLine = floatPtr(macdLine)
	snapshot.MACDSignal = floatPtr(macdSignal)
	snapshot.MACDHistogram = floatPtr(macdHistogram)
	snapshot.VolumeMA5 = intPtr(volMA5)
	snapshot.VolumeMA20 = intPtr(volMA20)
	snapshot.VolumeRatio = floatPtr(volRate)
	return snapshot, nil
}

// ---- PriceHistorySource ----

// SavePricePoints upserts daily price points, one row per trading day
func (s *PostgresStore) SavePricePoints(ctx context.Context, points []*models.PricePoint) (err error) {
	defer func(start time.Time) { s.observe("save_price_points", start, err) }(time.Now())

	for _, p := range points {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO price_history (stock_code, trade_date, open, high, low, close, volume)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (stock_code, trade_date) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume`,
			p.StockCode, p.Date, p.Open, p.High, p.Low, p.Close, p.Volume)
		if err != nil {
			return fmt.Errorf("failed to upsert price point: %w", err)
		}
	}
	return nil
}

// GetRecentPrices returns up to limit daily points, most recent first
func (s *PostgresStore) GetRecentPrices(ctx context.Context, stockCode string, limit int) (points []*models.PricePoint, err error) {
	defer func(start time.Time) { s.observe("get_recent_prices", start, err) }(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT stock_code, trade_date, open, high, low, close, volume
		FROM price_history WHERE stock_code = $1
		ORDER BY trade_date DESC LIMIT $2`, stockCode, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &models.PricePoint{}
		if err := rows.Scan(&p.StockCode, &p.Date, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ---- AuditStore ----

// SaveAuditEntry appends an audit entry
func (s *PostgresStore) SaveAuditEntry(ctx context.Context, entry *models.AuditEntry) (err error) {
	defer func(start time.Time) { s.observe("save_audit_entry", start, err) }(time.Now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, card_id, from_status, to_status, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ID, entry.UserID, entry.CardID, string(entry.FromStatus), string(entry.ToStatus),
		nullString(entry.Reason), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ---- scan/null helpers ----

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	rule := &models.Rule{}
	var (
		description, notificationTemplate, tags, parameters sql.NullString
		lastExecutedAt                                      sql.NullTime
	)
	err := row.Scan(&rule.ID, &rule.UserID, &rule.Name, &description, &rule.RuleType,
		&rule.ConditionExpression, &rule.TriggerEvent, &rule.TargetStatus, &rule.Enabled,
		&rule.CooldownSeconds, &rule.Priority, &rule.SendNotification, &notificationTemplate,
		&tags, &parameters, &lastExecutedAt, &rule.TriggerCount, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.NotificationTemplate = notificationTemplate.String
	rule.Tags = tags.String
	rule.Parameters = parameters.String
	if lastExecutedAt.Valid {
		t := lastExecutedAt.Time
		rule.LastExecutedAt = &t
	}
	return rule, nil
}

func scanRules(rows *sql.Rows) ([]*models.Rule, error) {
	var rules []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanExecution(row rowScanner) (*models.ExecutionRecord, error) {
	record := &models.ExecutionRecord{}
	var (
		previousStatus, newStatus, conditionResult, priceSnapshot, message sql.NullString
		executionTimeMs                                                    sql.NullInt64
	)
	err := row.Scan(&record.ID, &record.RuleID, &record.CardID, &record.Status,
		&previousStatus, &newStatus, &conditionResult, &priceSnapshot, &message,
		&record.NotificationSent, &executionTimeMs, &record.ExecutedAt)
	if err != nil {
		return nil, err
	}
	record.ConditionResult = conditionResult.String
	record.PriceSnapshot = priceSnapshot.String
	record.Message = message.String
	record.ExecutionTimeMs = executionTimeMs.Int64
	if previousStatus.Valid {
		s := models.CardStatus(previousStatus.String)
		record.PreviousStatus = &s
	}
	if newStatus.Valid {
		s := models.CardStatus(newStatus.String)
		record.NewStatus = &s
	}
	return record, nil
}

func requireRow(result sql.Result, notFound error, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullStatus(s *models.CardStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func intPtr(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}
