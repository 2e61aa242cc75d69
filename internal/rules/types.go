package rules

import "encoding/json"

// EvaluationResult is the outcome of evaluating one condition expression
// against one card's data. Success reports whether evaluation completed
// without error; Matched is meaningful only when Success is true.
type EvaluationResult struct {
	Success      bool           `json:"success"`
	Matched      bool           `json:"matched"`
	Expression   string         `json:"expression"`
	Variables    map[string]any `json:"variables,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ToJSON serializes the result for storage in execution records
func (r *EvaluationResult) ToJSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error_message":"serialization failed"}`
	}
	return string(data)
}
