package store

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Input limits
const (
	MaxNameLength      = 256
	MaxIDLength        = 128
	MaxPatternLength   = 1024
	MaxPatterns        = 500
	MaxSecretValueSize = 1024 * 1024 // 1MB
	MaxScopeMetaLength = 4096
)

var (
	operationPattern  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	secretNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
)

// normalizeName applies NFC and trims surrounding whitespace.
func normalizeName(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

func validateName(field, name string) error {
	if name == "" {
		return invalid(field, "must not be empty")
	}
	if !utf8.ValidString(name) {
		return invalid(field, "must be valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return invalid(field, "exceeds %d characters", MaxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return invalid(field, "must not contain control characters")
		}
	}
	return nil
}

func validateID(field, id string) error {
	if id == "" {
		return invalid(field, "must not be empty")
	}
	if len(id) > MaxIDLength {
		return invalid(field, "exceeds %d bytes", MaxIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return invalid(field, "must not contain whitespace")
		}
	}
	return nil
}

// validateIdentifier checks target ids and usernames, which are also used
// as directory and account names on the host.
func validateIdentifier(field, id string) error {
	if err := validateID(field, id); err != nil {
		return err
	}
	if !identifierPattern.MatchString(id) {
		return invalid(field, "must be lowercase letters, digits, '.', '_' or '-'")
	}
	return nil
}

func validateAction(a PolicyAction) error {
	switch a {
	case ActionAllow, ActionDeny, ActionApproval:
		return nil
	}
	return invalid("action", "unknown action %q", a)
}

func validateTarget(t PolicyTarget) error {
	switch t {
	case TargetCommand, TargetURL, TargetFilesystem, TargetSkill, TargetProcess, TargetNetwork:
		return nil
	}
	return invalid("target", "unknown target %q", t)
}

func validateNetworkAccess(n NetworkAccess) error {
	switch n {
	case "", NetworkNone, NetworkProxy, NetworkDirect:
		return nil
	}
	return invalid("network_access", "unknown mode %q", n)
}

func validatePatterns(patterns []string) error {
	if len(patterns) == 0 {
		return invalid("patterns", "at least one pattern is required")
	}
	if len(patterns) > MaxPatterns {
		return invalid("patterns", "exceeds %d entries", MaxPatterns)
	}
	for i, p := range patterns {
		if strings.TrimSpace(p) == "" {
			return invalid("patterns", "entry %d is empty", i)
		}
		if len(p) > MaxPatternLength {
			return invalid("patterns", "entry %d exceeds %d bytes", i, MaxPatternLength)
		}
	}
	return nil
}

func validateOperations(ops []string) error {
	for _, op := range ops {
		if !operationPattern.MatchString(op) {
			return invalid("operations", "invalid operation %q", op)
		}
	}
	return nil
}

func validateScopeMeta(meta string) error {
	if len(meta) > MaxScopeMetaLength {
		return invalid("scope_meta", "exceeds %d bytes", MaxScopeMetaLength)
	}
	return nil
}

func validateSecretName(name string) error {
	if err := validateName("name", name); err != nil {
		return err
	}
	if !secretNamePattern.MatchString(name) {
		return invalid("name", "must start with a letter or '_' and contain only letters, digits, '_', '.' or '-'")
	}
	return nil
}

func validateSecretValue(value string) error {
	if len(value) > MaxSecretValueSize {
		return invalid("value", "exceeds %d bytes", MaxSecretValueSize)
	}
	return nil
}

func validateSecretScope(s SecretScope) error {
	switch s {
	case SecretScopeGlobal, SecretScopePoliced, SecretScopeStandalone:
		return nil
	}
	return invalid("scope", "unknown scope %q", s)
}

func validatePolicyIDs(ids []string) error {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if err := validateID("policy_ids", id); err != nil {
			return err
		}
		if seen[id] {
			return invalid("policy_ids", "duplicate policy %q", id)
		}
		seen[id] = true
	}
	return nil
}
