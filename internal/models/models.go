package models

import (
	"time"
)

// CardStatus is the workflow state of a card on the board.
type CardStatus string

const (
	StatusWatch      CardStatus = "WATCH"
	StatusReadyToBuy CardStatus = "READY_TO_BUY"
	StatusHold       CardStatus = "HOLD"
	StatusSell       CardStatus = "SELL"
	StatusAlerts     CardStatus = "ALERTS"
	StatusArchived   CardStatus = "ARCHIVED"
)

// ValidCardStatuses lists every status a card may hold.
var ValidCardStatuses = []CardStatus{
	StatusWatch, StatusReadyToBuy, StatusHold, StatusSell, StatusAlerts, StatusArchived,
}

// IsValid reports whether the status is one of the known workflow states.
func (s CardStatus) IsValid() bool {
	for _, valid := range ValidCardStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// RuleType categorizes how a rule was created.
type RuleType string

const (
	RuleTypePredefined RuleType = "PREDEFINED"
	RuleTypeCustom     RuleType = "CUSTOM"
	RuleTypeTemplate   RuleType = "TEMPLATE"
)

// TriggerEvent tags what kind of market movement a rule is watching for.
type TriggerEvent string

const (
	TriggerPriceChange        TriggerEvent = "PRICE_CHANGE"
	TriggerVolumeSpike        TriggerEvent = "VOLUME_SPIKE"
	TriggerTechnicalIndicator TriggerEvent = "TECHNICAL_INDICATOR"
	TriggerPriceAlert         TriggerEvent = "PRICE_ALERT"
	TriggerTimeBased          TriggerEvent = "TIME_BASED"
)

// ExecutionStatus is the terminal outcome of one rule-vs-card evaluation.
type ExecutionStatus string

const (
	ExecutionSuccess  ExecutionStatus = "SUCCESS"
	ExecutionFailed   ExecutionStatus = "FAILED"
	ExecutionSkipped  ExecutionStatus = "SKIPPED"
	ExecutionCooldown ExecutionStatus = "COOLDOWN"
)

// Card is a tracked stock position with a workflow status.
// Status is the only field the rule engine mutates.
type Card struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	StockCode string     `json:"stock_code"`
	StockName string     `json:"stock_name"`
	Status    CardStatus `json:"status"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate validates a Card.
func (c *Card) Validate() error {
	if c.ID == "" {
		return ErrInvalidCardID
	}
	if c.UserID == "" {
		return ErrInvalidUserID
	}
	if c.StockCode == "" {
		return ErrInvalidStockCode
	}
	if !c.Status.IsValid() {
		return ErrInvalidCardStatus
	}
	return nil
}

// Rule pairs a boolean condition expression with a target card status.
// LastExecutedAt and TriggerCount are updated by the executor only on a
// successful transition.
type Rule struct {
	ID                   string       `json:"id"`
	UserID               string       `json:"user_id"`
	Name                 string       `json:"name"`
	Description          string       `json:"description,omitempty"`
	RuleType             RuleType     `json:"rule_type"`
	ConditionExpression  string       `json:"condition_expression"`
	TriggerEvent         TriggerEvent `json:"trigger_event"`
	TargetStatus         CardStatus   `json:"target_status"`
	Enabled              bool         `json:"enabled"`
	CooldownSeconds      int          `json:"cooldown_seconds"`
	Priority             int          `json:"priority"` // lower value runs first
	SendNotification     bool         `json:"send_notification"`
	NotificationTemplate string       `json:"notification_template,omitempty"`
	Tags                 string       `json:"tags,omitempty"`       // free-form JSON
	Parameters           string       `json:"parameters,omitempty"` // free-form JSON
	LastExecutedAt       *time.Time   `json:"last_executed_at,omitempty"`
	TriggerCount         int64        `json:"trigger_count"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Validate validates a Rule.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return ErrInvalidRuleID
	}
	if r.UserID == "" {
		return ErrInvalidUserID
	}
	if r.Name == "" {
		return ErrInvalidRuleName
	}
	if r.ConditionExpression == "" {
		return ErrEmptyExpression
	}
	if !r.TargetStatus.IsValid() {
		return ErrInvalidCardStatus
	}
	if r.CooldownSeconds < 0 {
		return ErrInvalidCooldown
	}
	return nil
}

// Cooldown returns the rule's cooldown as a duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// PricePoint is one daily OHLCV point from price history.
type PricePoint struct {
	StockCode string    `json:"stock_code"`
	Date      time.Time `json:"date"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// PriceSnapshot is the latest known raw price point for a stock code.
// Produced by the ingestion side; the engine only reads it.
type PriceSnapshot struct {
	StockCode     string    `json:"stock_code"`
	StockName     string    `json:"stock_name,omitempty"`
	CurrentPrice  float64   `json:"current_price"`
	OpenPrice     float64   `json:"open_price"`
	HighPrice     float64   `json:"high_price"`
	LowPrice      float64   `json:"low_price"`
	PreviousClose float64   `json:"previous_close"`
	Volume        int64     `json:"volume"`
	ChangePercent float64   `json:"change_percent"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Indicator calculation source tags.
const (
	SourceCalculated       = "CALCULATED"
	SourceInsufficientData = "INSUFFICIENT_DATA"
)

// IndicatorSnapshot holds computed technical indicators for a stock code at
// a point in time. Pointer fields stay nil when the history window was too
// short for that particular indicator.
type IndicatorSnapshot struct {
	StockCode         string    `json:"stock_code"`
	MA5               *float64  `json:"ma5,omitempty"`
	MA10              *float64  `json:"ma10,omitempty"`
	MA20              *float64  `json:"ma20,omitempty"`
	MA60              *float64  `json:"ma60,omitempty"`
	RSI14             *float64  `json:"rsi14,omitempty"`
	KdK               *float64  `json:"kd_k,omitempty"`
	KdD               *float64  `json:"kd_d,omitempty"`
	MACDLine          *float64  `json:"macd_line,omitempty"`
	MACDSignal        *float64  `json:"macd_signal,omitempty"`
	MACDHistogram     *float64  `json:"macd_histogram,omitempty"`
	VolumeMA5         *int64    `json:"volume_ma5,omitempty"`
	VolumeMA20        *int64    `json:"volume_ma20,omitempty"`
	VolumeRatio       *float64  `json:"volume_ratio,omitempty"`
	DataPoints        int       `json:"data_points"`
	CalculationSource string    `json:"calculation_source"`
	CalculatedAt      time.Time `json:"calculated_at"`
}

// ExecutionRecord is an append-only log entry for one (rule, card)
// evaluation attempt. Never mutated after creation; the most recent record
// per (rule, card) is the source of card-level cooldown truth.
type ExecutionRecord struct {
	ID               string          `json:"id"`
	RuleID           string          `json:"rule_id"`
	CardID           string          `json:"card_id"`
	Status           ExecutionStatus `json:"status"`
	PreviousStatus   *CardStatus     `json:"previous_status,omitempty"`
	NewStatus        *CardStatus     `json:"new_status,omitempty"`
	ConditionResult  string          `json:"condition_result,omitempty"` // serialized evaluation result
	PriceSnapshot    string          `json:"price_snapshot,omitempty"`   // serialized snapshot used
	Message          string          `json:"message"`
	NotificationSent bool            `json:"notification_sent"`
	ExecutionTimeMs  int64           `json:"execution_time_ms"`
	ExecutedAt       time.Time       `json:"executed_at"`
}

// Validate validates an ExecutionRecord.
func (r *ExecutionRecord) Validate() error {
	if r.ID == "" {
		return ErrInvalidRecordID
	}
	if r.RuleID == "" {
		return ErrInvalidRuleID
	}
	if r.CardID == "" {
		return ErrInvalidCardID
	}
	if r.ExecutedAt.IsZero() {
		return ErrInvalidTimestamp
	}
	return nil
}

// NotificationEvent describes a rule-triggered transition for downstream
// delivery. Dispatch is fire-and-forget; delivery failures never unwind the
// transition that produced the event.
type NotificationEvent struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	RuleID         string     `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	CardID         string     `json:"card_id"`
	StockCode      string     `json:"stock_code"`
	StockName      string     `json:"stock_name,omitempty"`
	PreviousStatus CardStatus `json:"previous_status"`
	NewStatus      CardStatus `json:"new_status"`
	Message        string     `json:"message"`
	TriggeredAt    time.Time  `json:"triggered_at"`
}

// AuditEntry is a best-effort record of a card status change.
type AuditEntry struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	CardID     string     `json:"card_id"`
	FromStatus CardStatus `json:"from_status"`
	ToStatus   CardStatus `json:"to_status"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
}
