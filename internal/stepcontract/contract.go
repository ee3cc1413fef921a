// Package stepcontract is the single source of truth for what each onboarding
// step looks like. It maps the many field-name spellings produced by forms
// onto one canonical name per field, coerces primitive values to canonical
// types, and validates completeness. Everything downstream of this package
// operates on canonical payloads only.
package stepcontract

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

// Contract holds the step schemas for one contract version and the alias
// index derived from them. It is immutable after construction and safe for
// concurrent use.
type Contract struct {
	version int
	schemas map[int]*StepSchema
	aliases map[int]map[string]string // step -> folded name -> canonical name
	order   []int
}

// NewContract builds a contract from the given schemas. It rejects duplicate
// step numbers, duplicate field names and aliases that fold onto more than
// one canonical field.
func NewContract(version int, schemas ...StepSchema) (*Contract, error) {
	c := &Contract{
		version: version,
		schemas: make(map[int]*StepSchema, len(schemas)),
		aliases: make(map[int]map[string]string, len(schemas)),
	}

	for i := range schemas {
		s := schemas[i]
		if s.Number < 1 {
			return nil, fmt.Errorf("stepcontract: step number must be positive, got %d", s.Number)
		}

		if _, dup := c.schemas[s.Number]; dup {
			return nil, fmt.Errorf("stepcontract: duplicate step %d", s.Number)
		}

		index, err := buildAliasIndex(&s)
		if err != nil {
			return nil, err
		}

		c.schemas[s.Number] = &s
		c.aliases[s.Number] = index
		c.order = append(c.order, s.Number)
	}

	sort.Ints(c.order)

	for _, s := range c.schemas {
		for _, dep := range s.DependsOn {
			if _, ok := c.schemas[dep]; !ok || dep == s.Number {
				return nil, fmt.Errorf("stepcontract: step %d depends on unknown step %d", s.Number, dep)
			}
		}
	}

	return c, nil
}

func buildAliasIndex(s *StepSchema) (map[string]string, error) {
	index := make(map[string]string)

	add := func(name, canonical string) error {
		key := foldKey(name)
		if existing, ok := index[key]; ok && existing != canonical {
			return fmt.Errorf("stepcontract: step %d: alias %q maps to both %q and %q",
				s.Number, name, existing, canonical)
		}

		index[key] = canonical

		return nil
	}

	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return nil, fmt.Errorf("stepcontract: step %d: field %d has no name", s.Number, i)
		}

		if err := add(f.Name, f.Name); err != nil {
			return nil, err
		}

		for _, alias := range f.Aliases {
			if err := add(alias, f.Name); err != nil {
				return nil, err
			}
		}
	}

	return index, nil
}

// Version returns the contract version. It namespaces persisted state so an
// upgraded engine never parses stale-shaped entries.
func (c *Contract) Version() int {
	return c.version
}

// Steps returns the defined step numbers in ascending order.
func (c *Contract) Steps() []int {
	return slices.Clone(c.order)
}

// Schema returns the schema for a step.
func (c *Contract) Schema(step int) (*StepSchema, error) {
	s, ok := c.schemas[step]
	if !ok {
		return nil, &UnsupportedStepError{Step: step}
	}

	return s, nil
}

// CanonicalName resolves a raw field name for a step. ok is false for
// names the step does not know.
func (c *Contract) CanonicalName(step int, raw string) (name string, ok bool) {
	index, found := c.aliases[step]
	if !found {
		return "", false
	}

	name, ok = index[foldKey(raw)]

	return name, ok
}

// Canonicalize maps every known alias in raw to its canonical name and
// coerces values per the step's type table. Unknown keys pass through
// unchanged. When a raw payload carries the same field under several
// spellings, the exact canonical spelling wins, then the lexically first
// alias. Canonicalize is idempotent.
func (c *Contract) Canonicalize(step int, raw map[string]any) (Payload, error) {
	schema, err := c.Schema(step)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	type pick struct {
		rawKey string
		exact  bool
	}

	chosen := make(map[string]pick)
	out := make(Payload, len(raw))

	for _, k := range keys {
		canonical, known := c.CanonicalName(step, k)
		if !known {
			out[k] = raw[k]
			continue
		}

		exact := k == canonical
		if prev, ok := chosen[canonical]; ok && (prev.exact || !exact) {
			continue
		}

		chosen[canonical] = pick{rawKey: k, exact: exact}
	}

	for canonical, p := range chosen {
		spec, _ := schema.Field(canonical)
		out[canonical] = coerce(spec, raw[p.rawKey])
	}

	return out, nil
}

// Validate checks a canonical payload. With requireComplete false only the
// canonical types of present fields are enforced. With requireComplete true
// every required field must be present and every present field must pass
// its predicate (non-empty string, number range, enum membership, parseable
// date). On failure the error is a ValidationErrors.
func (c *Contract) Validate(step int, p Payload, requireComplete bool) (Payload, error) {
	schema, err := c.Schema(step)
	if err != nil {
		return nil, err
	}

	var errs ValidationErrors

	for i := range schema.Fields {
		spec := &schema.Fields[i]
		v, present := p[spec.Name]

		if present && v != nil && !typeOK(spec, v) {
			errs = append(errs, &FieldError{
				Step: step, Field: spec.Name, Code: CodeType,
				Message: fmt.Sprintf("expected %s, got %s", spec.Type, typeName(v)),
			})

			continue
		}

		if !requireComplete {
			continue
		}

		if !present || v == nil {
			if spec.Required {
				errs = append(errs, &FieldError{
					Step: step, Field: spec.Name, Code: CodeRequired, Message: "is required",
				})
			}

			continue
		}

		if fe := checkPredicate(step, spec, v); fe != nil {
			errs = append(errs, fe)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return p.Clone(), nil
}

// Prepare canonicalizes and validates in one call.
func (c *Contract) Prepare(step int, raw map[string]any, requireComplete bool) (Payload, error) {
	p, err := c.Canonicalize(step, raw)
	if err != nil {
		return nil, err
	}

	return c.Validate(step, p, requireComplete)
}

// IsComplete reports whether a canonical payload passes complete validation.
func (c *Contract) IsComplete(step int, p Payload) bool {
	_, err := c.Validate(step, p, true)
	return err == nil
}

func typeOK(spec *FieldSpec, v any) bool {
	switch spec.Type {
	case TypeString, TypeDate, TypeEnum:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		f, ok := v.(float64)
		return ok && !math.IsNaN(f) && !math.IsInf(f, 0)
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeList:
		_, ok := v.([]string)
		return ok
	default:
		return true
	}
}

func checkPredicate(step int, spec *FieldSpec, v any) *FieldError {
	fail := func(code, msg string) *FieldError {
		return &FieldError{Step: step, Field: spec.Name, Code: code, Message: msg}
	}

	switch spec.Type {
	case TypeString:
		if spec.Required && strings.TrimSpace(v.(string)) == "" {
			return fail(CodeEmpty, "must not be empty")
		}
	case TypeList:
		if spec.Required && len(v.([]string)) == 0 {
			return fail(CodeEmpty, "must not be empty")
		}
	case TypeNumber:
		f := v.(float64)
		if spec.Integer && f != math.Trunc(f) {
			return fail(CodeInteger, "must be a whole number")
		}

		if (spec.Min != nil && f < *spec.Min) || (spec.Max != nil && f > *spec.Max) {
			return fail(CodeRange, "must be "+spec.describeRange())
		}
	case TypeEnum:
		if !slices.Contains(spec.Enum, v.(string)) {
			return fail(CodeEnum, fmt.Sprintf("must be one of %s", strings.Join(spec.Enum, ", ")))
		}
	case TypeDate:
		if _, err := time.Parse(DateLayout, v.(string)); err != nil {
			return fail(CodeDate, fmt.Sprintf("must be a date (%s)", DateLayout))
		}
	case TypeBool:
		// Presence is the only predicate.
	}

	return nil
}
