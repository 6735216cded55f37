package security

import "testing"

func TestStrength_String(t *testing.T) {
	tests := []struct {
		strength Strength
		want     string
	}{
		{StrengthWeak, "Weak"},
		{StrengthFair, "Fair"},
		{StrengthGood, "Good"},
		{StrengthStrong, "Strong"},
		{Strength(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.strength.String(); got != tt.want {
				t.Errorf("Strength.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStrength_Points(t *testing.T) {
	tests := []struct {
		strength Strength
		want     int
	}{
		{StrengthWeak, 0},
		{StrengthFair, 8},
		{StrengthGood, 17},
		{StrengthStrong, 25},
		{Strength(99), 0},
	}

	for _, tt := range tests {
		t.Run(tt.strength.String(), func(t *testing.T) {
			if got := tt.strength.Points(); got != tt.want {
				t.Errorf("Strength.Points() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		want Kind
	}{
		{"DB_PASSWORD", KindPassword},
		{"smtp_pass", KindPassword},
		{"Passphrase", KindPassword},
		{"NPM_TOKEN", KindToken},
		{"OPENAI_API_KEY", KindToken},
	}
	for _, tt := range tests {
		if got := KindOf(tt.name); got != tt.want {
			t.Errorf("KindOf(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestValueStrength(t *testing.T) {
	tests := []struct {
		name  string
		value string
		kind  Kind
		want  Strength
	}{
		{"password_7", "1234567", KindPassword, StrengthWeak},
		{"password_8", "12345678", KindPassword, StrengthFair},
		{"password_14", "1234567890abcd", KindPassword, StrengthGood},
		{"password_20", "1234567890abcdefghij", KindPassword, StrengthStrong},
		{"token_15", "123456789012345", KindToken, StrengthWeak},
		{"token_16", "1234567890123456", KindToken, StrengthFair},
		{"token_20", "12345678901234567890", KindToken, StrengthGood},
		{"token_32", "12345678901234567890123456789012", KindToken, StrengthStrong},
		{"short_token_as_password", "12345678", KindToken, StrengthWeak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValueStrength(tt.value, tt.kind); got != tt.want {
				t.Errorf("ValueStrength(%q, %s) = %v, want %v", tt.value, tt.kind, got, tt.want)
			}
		})
	}
}
