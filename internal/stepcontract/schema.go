package stepcontract

import (
	"encoding/json"
	"fmt"
	"maps"
)

// FieldType selects the coercion and type check applied to a field.
type FieldType string

// Field types. The canonical Go representation is noted per type.
const (
	TypeString FieldType = "string" // string, trimmed and NFC-normalized
	TypeNumber FieldType = "number" // float64
	TypeBool   FieldType = "bool"   // bool
	TypeDate   FieldType = "date"   // string in DateLayout
	TypeEnum   FieldType = "enum"   // string, one of FieldSpec.Enum
	TypeList   FieldType = "list"   // []string
)

// DateLayout is the canonical date representation.
const DateLayout = "2006-01-02"

// FieldSpec declares one field of a step: its canonical name, the aliases
// seen in raw payloads, and the predicates applied on complete validation.
type FieldSpec struct {
	Name     string
	Aliases  []string
	Type     FieldType
	Required bool

	// Number constraints. Nil means unbounded.
	Min     *float64
	Max     *float64
	Integer bool

	// Enum members in canonical spelling.
	Enum []string
}

// StepSchema is the versioned contract for one onboarding step.
type StepSchema struct {
	Number    int
	Name      string
	Title     string
	Version   int
	Fields    []FieldSpec
	DependsOn []int
}

// Field returns the spec for a canonical field name.
func (s *StepSchema) Field(name string) (*FieldSpec, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}

	return nil, false
}

// RequiredFields returns the canonical names of required fields in
// declaration order.
func (s *StepSchema) RequiredFields() []string {
	var out []string

	for i := range s.Fields {
		if s.Fields[i].Required {
			out = append(out, s.Fields[i].Name)
		}
	}

	return out
}

// Payload is a step's field set. After Canonicalize it holds canonical
// names and canonical Go types only.
type Payload map[string]any

// Clone returns a shallow copy with list values copied, so the clone can be
// handed to the save queue without aliasing the caller's map.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}

	out := make(Payload, len(p))
	maps.Copy(out, p)

	for k, v := range out {
		if list, ok := v.([]string); ok {
			out[k] = append([]string(nil), list...)
		}
	}

	return out
}

// StepPayload is the unit handed to the save queue. It is treated as
// immutable once enqueued; a newer StepPayload for the same key replaces it.
type StepPayload struct {
	Step      int     `json:"step"`
	Fields    Payload `json:"fields"`
	Completed bool    `json:"completed"`
}

// SizeBytes returns the encoded size used for batch byte accounting.
func (sp StepPayload) SizeBytes() int {
	data, err := json.Marshal(sp)
	if err != nil {
		return 0
	}

	return len(data)
}

func bound(v float64) *float64 {
	return &v
}

func (f *FieldSpec) describeRange() string {
	switch {
	case f.Min != nil && f.Max != nil:
		return fmt.Sprintf("between %g and %g", *f.Min, *f.Max)
	case f.Min != nil:
		return fmt.Sprintf("at least %g", *f.Min)
	case f.Max != nil:
		return fmt.Sprintf("at most %g", *f.Max)
	default:
		return "any number"
	}
}
