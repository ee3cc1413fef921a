package stepcontract

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is(err, stepcontract.ErrValidation) to check.
var (
	ErrUnsupportedStep = errors.New("stepcontract: unsupported step")
	ErrValidation      = errors.New("stepcontract: validation failed")
)

// Field error codes reported in FieldError.Code.
const (
	CodeRequired = "required"
	CodeType     = "type"
	CodeEmpty    = "empty"
	CodeRange    = "range"
	CodeInteger  = "integer"
	CodeEnum     = "enum"
	CodeDate     = "date"
)

// UnsupportedStepError is returned for step numbers the contract does not
// define. It is a programmer error and is never retried.
type UnsupportedStepError struct {
	Step int
}

func (e *UnsupportedStepError) Error() string {
	return fmt.Sprintf("stepcontract: unsupported step %d", e.Step)
}

func (e *UnsupportedStepError) Is(target error) bool {
	return target == ErrUnsupportedStep
}

// FieldError describes one field that failed validation.
type FieldError struct {
	Step    int    `json:"step"`
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("step %d: %s: %s", e.Step, e.Field, e.Message)
}

// ValidationErrors collects every field failure found in one Validate call,
// so callers can surface all messages at once.
type ValidationErrors []*FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, fe := range v {
		msgs = append(msgs, fe.Error())
	}

	return "stepcontract: validation failed: " + strings.Join(msgs, "; ")
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// Fields returns the distinct field names that failed, in report order.
func (v ValidationErrors) Fields() []string {
	seen := make(map[string]bool, len(v))
	out := make([]string, 0, len(v))

	for _, fe := range v {
		if seen[fe.Field] {
			continue
		}

		seen[fe.Field] = true
		out = append(out, fe.Field)
	}

	return out
}

// ByField groups the failures by field name.
func (v ValidationErrors) ByField() map[string][]*FieldError {
	out := make(map[string][]*FieldError, len(v))
	for _, fe := range v {
		out[fe.Field] = append(out[fe.Field], fe)
	}

	return out
}
