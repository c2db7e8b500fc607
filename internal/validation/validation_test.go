package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"txn_a1b2c3d4e5f6", true},
		{"pay_ABCdef12345678", true},
		{"wtx_0000000000000000", true},

		// Invalid cases
		{"a1b2c3d4e5f6", false},          // No prefix
		{"txn_abc", false},               // Too short
		{"transaction_a1b2c3d4", false},  // Prefix too long
		{"txn_a1b2-c3d4e5f6", false},     // Invalid chars
		{"", false},
		{"txn_", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidCode(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"ESC-A1B2C3D4", true},
		{"ESC-00000000", true},
		{"esc-a1b2c3d4", false}, // Lowercase
		{"ESC-A1B2C3", false},   // Too short
		{"ESCA1B2C3D4", false},  // No dash
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCode(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidCode(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"buyer@example.com", true},
		{"a.b+tag@sub.example.co", true},
		{"no-at-sign.example.com", false},
		{"spaces in@example.com", false},
		{"@example.com", false},
		{"buyer@", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidEmail(tc.email)
		if result != tc.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tc.email, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"with\x00null", 20, "withnull"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidateCombinator(t *testing.T) {
	errs := Validate(
		Required("buyerId", ""),
		ValidEmail("email", "bad-email"),
		MaxLength("description", "ok", 100),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "buyerId" {
		t.Errorf("first error field = %s, want buyerId", errs[0].Field)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"100", true},
		{"100.50", true},
		{"0.01", true},
		{"", true}, // Empty handled by Required
		{"0", false},
		{"0.00", false},
		{"-5", false},
		{"1.2.3", false},
		{".5", false},
		{"5.", false},
		{"abc", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		if (err == nil) != tc.valid {
			t.Errorf("ValidAmount(%q) valid = %v, want %v", tc.value, err == nil, tc.valid)
		}
	}
}
