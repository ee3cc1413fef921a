package stepcontract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completeVillaInfo is a raw step-1 payload using a mix of alias spellings.
func completeVillaInfo() map[string]any {
	return map[string]any{
		"villa_name":       "  Villa Serenity ",
		"address":          "Jl. Pantai 1",
		"city":             "Canggu",
		"Country":          "Indonesia",
		"numberOfBedrooms": "4",
		"bathroom_count":   3,
		"max-guests":       "8",
		"type":             "Villa",
		"areaSqm":          "1,250",
	}
}

func TestCanonicalize_ResolvesAliasesAndCoerces(t *testing.T) {
	c := DefaultContract()

	got, err := c.Canonicalize(StepVillaInformation, completeVillaInfo())
	require.NoError(t, err)

	assert.Equal(t, "Villa Serenity", got["villaName"])
	assert.Equal(t, "Jl. Pantai 1", got["villaAddress"])
	assert.Equal(t, "Canggu", got["villaCity"])
	assert.Equal(t, "Indonesia", got["villaCountry"])
	assert.Equal(t, 4.0, got["bedrooms"])
	assert.Equal(t, 3.0, got["bathrooms"])
	assert.Equal(t, 8.0, got["maxGuests"])
	assert.Equal(t, "villa", got["propertyType"])
	assert.Equal(t, 1250.0, got["villaArea"])
	assert.NotContains(t, got, "villa_name")
	assert.NotContains(t, got, "type")
}

func TestCanonicalize_Idempotent(t *testing.T) {
	c := DefaultContract()

	inputs := map[int]map[string]any{
		StepVillaInformation: completeVillaInfo(),
		StepOwnerDetails: {
			"ownerKind": "COMPANY", "given_name": "Made", "surname": "Wirawan",
			"emailAddress": "made@example.com", "mobile": 628123456789, "unknownField": []any{1, "x"},
		},
		StepContractual: {
			"startDate": "2026-01-15T08:00:00Z", "commission": "20", "paymentTerms": "monthly",
			"cancellationPolicy": "Non-Refundable", "isExclusive": "yes", "endDate": "not a date",
		},
		StepBankDetails: {"accountName": "PT Villa", "bankName": "BCA", "iban": "123", "currency": "idr"},
		StepDocuments:   {"hasPropertyTitle": "1", "documents": "a.pdf, b.pdf ,, c.pdf"},
		StepFacilities:  {"pool": 1, "amenities": []any{" sauna", "bbq "}, "wifiSpeed": "abc"},
		StepReview:      {"acceptTerms": true, "gdprConsent": "off"},
	}

	for step, raw := range inputs {
		once, err := c.Canonicalize(step, raw)
		require.NoError(t, err)

		twice, err := c.Canonicalize(step, once)
		require.NoError(t, err)

		assert.Equal(t, once, twice, "step %d", step)
	}
}

func TestCanonicalize_ExactNameBeatsAlias(t *testing.T) {
	c := DefaultContract()

	got, err := c.Canonicalize(StepVillaInformation, map[string]any{
		"name":      "alias value",
		"villaName": "canonical value",
	})
	require.NoError(t, err)

	assert.Equal(t, "canonical value", got["villaName"])
}

func TestCanonicalize_CoercionTable(t *testing.T) {
	c := DefaultContract()

	got, err := c.Canonicalize(StepContractual, map[string]any{
		"startDate":          time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		"endDate":            "05/06/2027",
		"commission":         "12.5",
		"cancellationPolicy": "STRICT",
		"isExclusive":        "No",
	})
	require.NoError(t, err)

	assert.Equal(t, "2026-03-04", got["contractStartDate"])
	assert.Equal(t, "2027-06-05", got["contractEndDate"])
	assert.Equal(t, 12.5, got["commissionRate"])
	assert.Equal(t, "strict", got["cancellationPolicy"])
	assert.Equal(t, false, got["exclusiveListing"])
}

func TestCanonicalize_UnsupportedStep(t *testing.T) {
	c := DefaultContract()

	_, err := c.Canonicalize(42, map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedStep)

	var use *UnsupportedStepError
	require.ErrorAs(t, err, &use)
	assert.Equal(t, 42, use.Step)
}

func TestValidate_CompleteRequiresEveryRequiredField(t *testing.T) {
	c := DefaultContract()

	full, err := c.Canonicalize(StepVillaInformation, completeVillaInfo())
	require.NoError(t, err)

	_, err = c.Validate(StepVillaInformation, full, true)
	require.NoError(t, err)

	schema, err := c.Schema(StepVillaInformation)
	require.NoError(t, err)

	for _, name := range schema.RequiredFields() {
		t.Run(name, func(t *testing.T) {
			p := full.Clone()
			delete(p, name)

			_, err := c.Validate(StepVillaInformation, p, true)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, []string{name}, verrs.Fields())
			assert.Equal(t, CodeRequired, verrs[0].Code)

			// Partial validation still accepts the payload.
			_, err = c.Validate(StepVillaInformation, p, false)
			assert.NoError(t, err)
		})
	}
}

func TestValidate_Predicates(t *testing.T) {
	c := DefaultContract()

	tests := []struct {
		name  string
		step  int
		patch map[string]any
		field string
		code  string
	}{
		{"empty string", StepVillaInformation, map[string]any{"villaName": "   "}, "villaName", CodeEmpty},
		{"out of range", StepVillaInformation, map[string]any{"bedrooms": 99.0}, "bedrooms", CodeRange},
		{"fractional", StepVillaInformation, map[string]any{"maxGuests": 2.5}, "maxGuests", CodeInteger},
		{"enum", StepVillaInformation, map[string]any{"propertyType": "castle"}, "propertyType", CodeEnum},
		{"type", StepVillaInformation, map[string]any{"bedrooms": "many"}, "bedrooms", CodeType},
	}

	base, err := c.Canonicalize(StepVillaInformation, completeVillaInfo())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base.Clone()
			for k, v := range tt.patch {
				p[k] = v
			}

			_, err := c.Validate(tt.step, p, true)
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
			assert.Equal(t, tt.code, verrs[0].Code)
		})
	}
}

func TestValidate_DateMustParse(t *testing.T) {
	c := DefaultContract()

	p, err := c.Canonicalize(StepContractual, map[string]any{
		"startDate": "soon", "commission": 10, "paymentTerms": "net 30", "cancellationPolicy": "flexible",
	})
	require.NoError(t, err)

	_, err = c.Validate(StepContractual, p, false)
	require.NoError(t, err, "partial validation only checks types")

	_, err = c.Validate(StepContractual, p, true)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, CodeDate, verrs[0].Code)
}

func TestValidate_PartialRejectsWrongTypes(t *testing.T) {
	c := DefaultContract()

	_, err := c.Validate(StepFacilities, Payload{"hasPool": "maybe"}, false)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, CodeType, verrs[0].Code)
}

func TestNewContract_RejectsAliasCollision(t *testing.T) {
	_, err := NewContract(1, StepSchema{
		Number: 1,
		Fields: []FieldSpec{
			{Name: "villaName", Type: TypeString},
			{Name: "name", Aliases: []string{"villa_name"}, Type: TypeString},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maps to both")
}

func TestNewContract_RejectsUnknownDependency(t *testing.T) {
	_, err := NewContract(1, StepSchema{Number: 1, DependsOn: []int{7}})
	require.Error(t, err)
}

func TestDefaultContract_Steps(t *testing.T) {
	c := DefaultContract()

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, c.Steps())
	assert.Equal(t, ContractVersion, c.Version())

	name, ok := c.CanonicalName(StepReview, "agree_to_terms")
	require.True(t, ok)
	assert.Equal(t, "termsAccepted", name)
}

func TestStepPayload_SizeBytes(t *testing.T) {
	sp := StepPayload{Step: 1, Fields: Payload{"villaName": "Test"}}
	assert.Equal(t, len(`{"step":1,"fields":{"villaName":"Test"},"completed":false}`), sp.SizeBytes())
}
