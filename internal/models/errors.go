package models

import "errors"

var (
	ErrInvalidCardID     = errors.New("invalid card ID")
	ErrInvalidUserID     = errors.New("invalid user ID")
	ErrInvalidStockCode  = errors.New("invalid stock code")
	ErrInvalidCardStatus = errors.New("invalid card status")
	ErrInvalidRuleID     = errors.New("invalid rule ID")
	ErrInvalidRuleName   = errors.New("invalid rule name")
	ErrEmptyExpression   = errors.New("condition expression cannot be empty")
	ErrInvalidCooldown   = errors.New("cooldown cannot be negative")
	ErrInvalidRecordID   = errors.New("invalid execution record ID")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")

	ErrRuleNotFound      = errors.New("rule not found")
	ErrCardNotFound      = errors.New("card not found")
	ErrDuplicateRule     = errors.New("rule already exists")
	ErrDuplicateCard     = errors.New("card already exists")
	ErrDuplicateRuleName = errors.New("rule name already in use")
)
