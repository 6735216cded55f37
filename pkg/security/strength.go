// Package security inspects decrypted vault secrets for weak and reused
// values.
package security

import "strings"

// Strength represents the strength level of a secret value.
type Strength int

const (
	// StrengthWeak is below the minimum for the value's kind.
	StrengthWeak Strength = iota
	// StrengthFair is minimally acceptable.
	StrengthFair
	// StrengthGood is a good value.
	StrengthGood
	// StrengthStrong is a strong value.
	StrengthStrong
)

// String returns a human-readable representation of the strength.
func (s Strength) String() string {
	switch s {
	case StrengthWeak:
		return "Weak"
	case StrengthFair:
		return "Fair"
	case StrengthGood:
		return "Good"
	case StrengthStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Points returns the score contribution of one value: Weak=0, Fair=8,
// Good=17, Strong=25.
func (s Strength) Points() int {
	switch s {
	case StrengthFair:
		return 8
	case StrengthGood:
		return 17
	case StrengthStrong:
		return 25
	default:
		return 0
	}
}

// Kind classifies a secret by its name.
type Kind string

const (
	// KindPassword is a human-chosen password.
	KindPassword Kind = "password"
	// KindToken is a machine-generated API key or token.
	KindToken Kind = "token"
)

var passwordNames = []string{"password", "passwd", "pwd", "pass", "passphrase"}

// KindOf guesses whether a secret named name holds a password or a token.
// Anything not named like a password is treated as a token, which is the
// common case for agent credentials.
func KindOf(name string) Kind {
	lower := strings.ToLower(name)
	for _, n := range passwordNames {
		if strings.Contains(lower, n) {
			return KindPassword
		}
	}
	return KindToken
}

// ValueStrength rates value according to kind.
func ValueStrength(value string, kind Kind) Strength {
	if kind == KindPassword {
		return passwordStrength(value)
	}
	return tokenStrength(value)
}

// passwordStrength follows NIST SP 800-63B: length is what matters.
func passwordStrength(value string) Strength {
	switch n := len(value); {
	case n >= 20:
		return StrengthStrong
	case n >= 14:
		return StrengthGood
	case n >= 8:
		return StrengthFair
	default:
		return StrengthWeak
	}
}

// tokenStrength rates machine-generated values, where length tracks
// entropy: 32+ chars is ~128 bits for alphanumerics.
func tokenStrength(value string) Strength {
	switch n := len(value); {
	case n >= 32:
		return StrengthStrong
	case n >= 20:
		return StrengthGood
	case n >= 16:
		return StrengthFair
	default:
		return StrengthWeak
	}
}
