package validate_test

import (
	"testing"

	"formline/internal/config"
	"formline/internal/validate"
)

func newValidator(t *testing.T) *validate.Validator {
	t.Helper()
	v, err := validate.New(config.Default())
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	return v
}

func TestRequiredFields(t *testing.T) {
	v := newValidator(t)
	res := v.Check(map[string]string{}, []string{"companyName", "siret"})
	if res.OK {
		t.Fatalf("expected failure on empty record")
	}
	if _, ok := res.FieldErrors["companyName"]; !ok {
		t.Fatalf("expected companyName error, got %v", res.FieldErrors)
	}
	if _, ok := res.FieldErrors["siret"]; !ok {
		t.Fatalf("expected siret error, got %v", res.FieldErrors)
	}
}

func TestPatternRuleUsesConfiguredMessage(t *testing.T) {
	v := newValidator(t)
	res := v.Check(map[string]string{"siret": "123"}, []string{"siret"})
	if res.OK {
		t.Fatalf("expected failure for short siret")
	}
	if res.FieldErrors["siret"] != "SIRET must be 14 digits" {
		t.Fatalf("unexpected message: %q", res.FieldErrors["siret"])
	}
	res = v.Check(map[string]string{"siret": "12345678901234"}, []string{"siret"})
	if !res.OK {
		t.Fatalf("valid siret rejected: %v", res.FieldErrors)
	}
}

func TestRequiredIfActivatesWithTrigger(t *testing.T) {
	v := newValidator(t)
	// postalCode is required only when street is set.
	res := v.Check(map[string]string{}, []string{"postalCode"})
	if !res.OK {
		t.Fatalf("postalCode should be optional without street: %v", res.FieldErrors)
	}
	res = v.Check(map[string]string{"street": "1 rue de la Paix"}, []string{"postalCode"})
	if res.OK {
		t.Fatalf("postalCode should be required once street is set")
	}
	res = v.Check(map[string]string{"street": "1 rue de la Paix", "postalCode": "75002"}, []string{"postalCode"})
	if !res.OK {
		t.Fatalf("valid postal rejected: %v", res.FieldErrors)
	}
}

func TestNormalizeAppliedBeforeRules(t *testing.T) {
	v := newValidator(t)
	// Inner spaces in postal codes are stripped before the pattern runs.
	res := v.Check(map[string]string{"street": "x", "postalCode": " 75 011 "}, []string{"postalCode"})
	if !res.OK {
		t.Fatalf("spaced postal should normalize and pass: %v", res.FieldErrors)
	}
	if got := validate.Normalize("vatNumber", " fr 12 345 "); got != "FR12345" {
		t.Fatalf("vat normalize: got %q", got)
	}
}

func TestLengthBounds(t *testing.T) {
	v := newValidator(t)
	res := v.Check(map[string]string{"companyName": "A"}, []string{"companyName"})
	if res.OK {
		t.Fatalf("one-character name should fail min_length")
	}
	res = v.Check(map[string]string{"companyName": "Acme"}, []string{"companyName"})
	if !res.OK {
		t.Fatalf("valid name rejected: %v", res.FieldErrors)
	}
}

func TestFieldsWithoutRulesPass(t *testing.T) {
	v := newValidator(t)
	res := v.Check(map[string]string{"unknown": "whatever"}, []string{"unknown"})
	if !res.OK {
		t.Fatalf("unknown field should pass: %v", res.FieldErrors)
	}
}
