package rules

import (
	"fmt"

	"github.com/twkanban/kanban-engine/internal/models"
)

// ValidateRule checks a rule's structural fields and compiles its
// condition expression. Used when rules are created or updated so bad
// expressions are rejected up front rather than failing on every scan.
func ValidateRule(evaluator *Evaluator, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := evaluator.ValidateExpression(rule.ConditionExpression); err != nil {
		return fmt.Errorf("condition expression rejected: %w", err)
	}
	return nil
}
