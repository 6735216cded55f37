package vault

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Passcode length limits
const (
	MinPasscodeLength = 8
	MaxPasscodeLength = 128
)

// PasscodeStrength represents the strength level of a passcode
type PasscodeStrength int

const (
	PasscodeWeak PasscodeStrength = iota
	PasscodeFair
	PasscodeGood
	PasscodeStrong
)

// String returns a human-readable representation of passcode strength
func (s PasscodeStrength) String() string {
	switch s {
	case PasscodeWeak:
		return "weak"
	case PasscodeFair:
		return "fair"
	case PasscodeGood:
		return "good"
	case PasscodeStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasscodeValidationResult contains the result of passcode validation
type PasscodeValidationResult struct {
	Valid    bool
	Strength PasscodeStrength
	// Warnings are suggestions, not errors.
	Warnings []string
}

var (
	hasUpper   = regexp.MustCompile(`[A-Z]`)
	hasLower   = regexp.MustCompile(`[a-z]`)
	hasDigit   = regexp.MustCompile(`\d`)
	hasSpecial = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>\-_=+\[\]\\;'~/\x60 ]`)
)

// ValidatePasscode checks length limits (minLength falls back to
// MinPasscodeLength when not positive) and estimates strength. Complexity
// only produces warnings.
func ValidatePasscode(passcode string, minLength int) *PasscodeValidationResult {
	if minLength <= 0 {
		minLength = MinPasscodeLength
	}
	result := &PasscodeValidationResult{Valid: true, Strength: PasscodeFair}

	length := utf8.RuneCountInString(passcode)
	if length < minLength {
		result.Valid = false
		result.Strength = PasscodeWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passcode must be at least %d characters", minLength))
		return result
	}
	if length > MaxPasscodeLength {
		result.Valid = false
		result.Strength = PasscodeWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passcode must be at most %d characters", MaxPasscodeLength))
		return result
	}

	complexity := 0
	for _, re := range []*regexp.Regexp{hasUpper, hasLower, hasDigit, hasSpecial} {
		if re.MatchString(passcode) {
			complexity++
		}
	}

	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if length < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passcodes (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && length >= 16:
		result.Strength = PasscodeStrong
	case complexity >= 2 && length >= 12:
		result.Strength = PasscodeGood
	case complexity >= 2 || length >= 12:
		result.Strength = PasscodeFair
	default:
		result.Strength = PasscodeWeak
	}

	return result
}
