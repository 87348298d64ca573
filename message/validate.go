package message

import "strings"

// ValidationError is a single envelope violation found by the Validator.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator checks the message envelope invariants and reports every
// violation as a flat list. Invalid messages may be routed to a
// dead-letter handler by the caller.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate returns all envelope violations, or nil when the message is
// well-formed. Checked invariants:
//
//  1. Content non-empty or ToolCalls non-empty.
//  2. CorrelationID non-empty.
//  3. Every tool-call id starts with "call_".
//  4. StateHistory is monotone in timestamp and every consecutive pair
//     obeys the legal-transition table.
//  5. A WAITING message carries a pending HITL request tool call.
//  6. CausationID, when set, does not reference the message itself.
func (v *Validator) Validate(m Message) []ValidationError {
	var errs []ValidationError

	if m.Content == "" && len(m.ToolCalls) == 0 {
		errs = append(errs, ValidationError{
			Field:   "content",
			Message: "content must be non-empty unless tool calls are present",
		})
	}
	if m.CorrelationID == "" {
		errs = append(errs, ValidationError{
			Field:   "correlation_id",
			Message: "correlation id is required",
		})
	}
	for _, tc := range m.ToolCalls {
		if !strings.HasPrefix(tc.ID, ToolCallIDPrefix) {
			errs = append(errs, ValidationError{
				Field:   "tool_calls",
				Message: "tool-call id " + tc.ID + " must start with " + ToolCallIDPrefix,
			})
		}
	}
	errs = append(errs, v.validateHistory(m)...)
	if m.State == StateWaiting && !m.HasToolCall(HitlRequestFunction) {
		errs = append(errs, ValidationError{
			Field:   "state",
			Message: "a WAITING message must carry a " + HitlRequestFunction + " tool call",
		})
	}
	if m.CausationID != "" && m.CausationID == m.ID {
		errs = append(errs, ValidationError{
			Field:   "causation_id",
			Message: "causation id must reference a prior message, not the message itself",
		})
	}
	return errs
}

func (v *Validator) validateHistory(m Message) []ValidationError {
	var errs []ValidationError
	for i, tr := range m.StateHistory {
		if !tr.From.CanTransitionTo(tr.To) {
			errs = append(errs, ValidationError{
				Field:   "state_history",
				Message: "illegal transition " + string(tr.From) + " -> " + string(tr.To),
			})
		}
		if i == 0 {
			continue
		}
		prev := m.StateHistory[i-1]
		if tr.Timestamp.Before(prev.Timestamp) {
			errs = append(errs, ValidationError{
				Field:   "state_history",
				Message: "transition timestamps must be monotone non-decreasing",
			})
		}
		if prev.To != tr.From {
			errs = append(errs, ValidationError{
				Field:   "state_history",
				Message: "transition chain is broken: " + string(prev.To) + " followed by " + string(tr.From),
			})
		}
	}
	return errs
}
