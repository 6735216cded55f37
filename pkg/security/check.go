package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/agenshield/agenshield/pkg/store"
)

// IssueType identifies the type of finding.
type IssueType string

const (
	// IssueWeak is a value below the minimum strength for its kind.
	IssueWeak IssueType = "weak"
	// IssueDuplicate is a value shared by several secrets.
	IssueDuplicate IssueType = "duplicate"
)

// Issue is one finding about one or more secrets.
type Issue struct {
	Type        IssueType `json:"type"`
	Secrets     []string  `json:"secrets"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// Report summarizes a check.
type Report struct {
	// Score is 0-100: half strength, half uniqueness.
	Score   int     `json:"score"`
	Checked int     `json:"checked"`
	Issues  []Issue `json:"issues"`
}

// Label names a secret with the level that owns it, e.g. "NPM_TOKEN@t1".
func Label(s *store.Secret) string {
	switch {
	case s.TargetID == nil:
		return s.Name
	case s.UserUsername == nil:
		return s.Name + "@" + *s.TargetID
	default:
		return s.Name + "@" + *s.TargetID + "/" + *s.UserUsername
	}
}

// Check rates every decrypted secret and groups identical values.
// Duplicates are found through a keyed BLAKE3 digest under a random key
// that lives only for this call, so no reusable hash of a value exists.
// Empty and masked values are skipped.
func Check(secrets []*store.Secret) (*Report, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("security: failed to generate key: %w", err)
	}

	report := &Report{}
	groups := make(map[string][]string)
	var strengthPoints int

	for _, s := range secrets {
		value := strings.TrimSpace(s.Value)
		if value == "" || s.Value == store.MaskedValue {
			continue
		}
		report.Checked++

		kind := KindOf(s.Name)
		strength := ValueStrength(value, kind)
		strengthPoints += strength.Points()
		if strength == StrengthWeak {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueWeak,
				Secrets:     []string{Label(s)},
				Description: fmt.Sprintf("%s value is weak (%d characters)", kind, len(value)),
				Suggestion:  "Use 14+ characters for passwords and 32+ for tokens",
			})
		}

		digest, err := keyedDigest(key, value)
		if err != nil {
			return nil, err
		}
		groups[digest] = append(groups[digest], Label(s))
	}

	var duplicated int
	var dupIssues []Issue
	for _, names := range groups {
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		duplicated += len(names)
		dupIssues = append(dupIssues, Issue{
			Type:        IssueDuplicate,
			Secrets:     names,
			Description: fmt.Sprintf("%d secrets share the same value", len(names)),
			Suggestion:  "Issue a separate credential per consumer",
		})
	}
	sort.Slice(dupIssues, func(i, j int) bool {
		if len(dupIssues[i].Secrets) != len(dupIssues[j].Secrets) {
			return len(dupIssues[i].Secrets) > len(dupIssues[j].Secrets)
		}
		return dupIssues[i].Secrets[0] < dupIssues[j].Secrets[0]
	})
	report.Issues = append(report.Issues, dupIssues...)

	if report.Checked == 0 {
		report.Score = 100
		return report, nil
	}
	strengthScore := strengthPoints * 50 / (report.Checked * StrengthStrong.Points())
	uniquenessScore := (report.Checked - duplicated) * 50 / report.Checked
	report.Score = strengthScore + uniquenessScore
	return report, nil
}

func keyedDigest(key []byte, value string) (string, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return "", fmt.Errorf("security: %w", err)
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil)), nil
}
