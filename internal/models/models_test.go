package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCardStatusIsValid(t *testing.T) {
	for _, status := range ValidCardStatuses {
		assert.True(t, status.IsValid(), string(status))
	}
	assert.False(t, CardStatus("BOGUS").IsValid())
	assert.False(t, CardStatus("").IsValid())
	assert.False(t, CardStatus("watch").IsValid(), "statuses are case sensitive")
}

func TestCardValidate(t *testing.T) {
	card := Card{ID: "card-1", UserID: "user-1", StockCode: "2330", Status: StatusWatch}
	assert.NoError(t, card.Validate())

	missing := card
	missing.ID = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidCardID)

	badStatus := card
	badStatus.Status = "SOMEWHERE"
	assert.ErrorIs(t, badStatus.Validate(), ErrInvalidCardStatus)
}

func TestRuleValidate(t *testing.T) {
	rule := Rule{
		ID:                  "rule-1",
		UserID:              "user-1",
		Name:                "breakout",
		ConditionExpression: "price > 100",
		TargetStatus:        StatusAlerts,
		CooldownSeconds:     3600,
	}
	assert.NoError(t, rule.Validate())

	empty := rule
	empty.ConditionExpression = ""
	assert.ErrorIs(t, empty.Validate(), ErrEmptyExpression)

	negative := rule
	negative.CooldownSeconds = -1
	assert.ErrorIs(t, negative.Validate(), ErrInvalidCooldown)

	zero := rule
	zero.CooldownSeconds = 0
	assert.NoError(t, zero.Validate(), "zero cooldown disables suppression")
}

func TestRuleCooldown(t *testing.T) {
	rule := Rule{CooldownSeconds: 90}
	assert.Equal(t, 90*time.Second, rule.Cooldown())
}
