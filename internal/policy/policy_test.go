package policy

import (
	"errors"
	"strings"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	t.Parallel()

	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrNotFound", ErrNotFound},
		{"ErrNameLength", ErrNameLength},
		{"ErrInvalidPermissions", ErrInvalidPermissions},
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				if !errors.Is(a.err, b.err) {
					t.Errorf("errors.Is(%s, %s) = false, want true", a.name, b.name)
				}
			} else if errors.Is(a.err, b.err) {
				t.Errorf("errors.Is(%s, %s) = true, want false", a.name, b.name)
			}
		}
	}
}

func TestValidateNameRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"valid name", "Kiosk Devices", "Kiosk Devices", false},
		{"trims whitespace", "  Sales Tablets  ", "Sales Tablets", false},
		{"single char", "X", "X", false},
		{"100 chars", strings.Repeat("a", 100), strings.Repeat("a", 100), false},
		{"101 chars", strings.Repeat("a", 101), "", true},
		{"empty string", "", "", true},
		{"whitespace only", "   ", "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateNameRequired(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateNameRequired(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ValidateNameRequired(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPolicyHas(t *testing.T) {
	t.Parallel()

	p := &Policy{Permissions: PermInstallApp | PermLock}

	if !p.Has(PermInstallApp) {
		t.Error("expected PermInstallApp to be set")
	}
	if !p.Has(PermLock) {
		t.Error("expected PermLock to be set")
	}
	if p.Has(PermWipe) {
		t.Error("expected PermWipe to be unset")
	}
	if p.Has(PermInstallApp | PermWipe) {
		t.Error("Has should require all bits in the mask, not any")
	}
}
