package stepcontract

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// dateLayouts are the raw date spellings accepted by coercion, tried in
// order. The first entry is the canonical layout.
var dateLayouts = []string{
	DateLayout,
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"January 2, 2006",
	"2 January 2006",
	"Jan 2, 2006",
}

var (
	truthy = map[string]bool{"true": true, "yes": true, "y": true, "on": true, "1": true}
	falsy  = map[string]bool{"false": true, "no": true, "n": true, "off": true, "0": true}
)

// foldKey reduces a field name or enum spelling to a comparison key:
// NFC-normalized, Unicode case-folded, with separators removed. It makes
// "villa_name", "Villa-Name" and "villaName" collide.
func foldKey(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	s = cases.Fold().String(s)

	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		default:
			return r
		}
	}, s)
}

// normalizeString trims and NFC-normalizes a string value.
func normalizeString(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// coerce converts a raw value to the canonical representation for spec.
// Values that cannot be converted are returned in a normalized but
// otherwise untouched form so Validate can report them; coercion itself
// never fails.
func coerce(spec *FieldSpec, v any) any {
	if v == nil {
		return nil
	}

	switch spec.Type {
	case TypeString:
		return coerceString(v)
	case TypeNumber:
		return coerceNumber(v)
	case TypeBool:
		return coerceBool(v)
	case TypeDate:
		return coerceDate(v)
	case TypeEnum:
		return coerceEnum(spec, v)
	case TypeList:
		return coerceList(v)
	default:
		return v
	}
}

func coerceString(v any) any {
	switch t := v.(type) {
	case string:
		return normalizeString(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		if f, ok := asFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}

		return v
	}
}

func coerceNumber(v any) any {
	if f, ok := asFloat(v); ok {
		return f
	}

	s, ok := v.(string)
	if !ok {
		return v
	}

	s = normalizeString(s)
	if s == "" {
		return nil
	}

	cleaned := strings.NewReplacer(",", "", "_", "", " ", "").Replace(s)

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return s
	}

	return f
}

func coerceBool(v any) any {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(normalizeString(t))
		if s == "" {
			return nil
		}

		if truthy[s] {
			return true
		}

		if falsy[s] {
			return false
		}

		return normalizeString(t)
	default:
		if f, ok := asFloat(v); ok {
			switch f {
			case 1:
				return true
			case 0:
				return false
			}
		}

		return v
	}
}

func coerceDate(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(DateLayout)
	case string:
		s := normalizeString(t)
		if s == "" {
			return nil
		}

		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.Format(DateLayout)
			}
		}

		return s
	default:
		return v
	}
}

func coerceEnum(spec *FieldSpec, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}

	s = normalizeString(s)
	if s == "" {
		return nil
	}

	want := foldKey(s)
	for _, member := range spec.Enum {
		if foldKey(member) == want {
			return member
		}
	}

	return s
}

func coerceList(v any) any {
	switch t := v.(type) {
	case []string:
		return compactStrings(t)
	case []any:
		out := make([]string, 0, len(t))

		for _, elem := range t {
			s, ok := coerceString(elem).(string)
			if !ok {
				return v
			}

			out = append(out, s)
		}

		return compactStrings(out)
	case string:
		return compactStrings(strings.Split(t, ","))
	default:
		return v
	}
}

// compactStrings normalizes every element and drops empty ones. It always
// returns a non-nil slice so an explicitly cleared list stays present.
func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))

	for _, s := range in {
		if s = normalizeString(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}

// asFloat converts the numeric kinds produced by JSON decoding and Go
// callers to float64.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// typeName describes a value's dynamic type for error messages.
func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []string:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}
