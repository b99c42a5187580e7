// Package plans normalizes upstream subscription plan identifiers.
//
// A small set of account plans is canonical and stored lowercase. Anything
// else the upstream reports (trial tiers, workspace plans) is preserved
// as-is so no information is lost, except that rate-limit payloads only
// recognize the extended rate-limit set.
package plans

import "strings"

// Default is assigned when an account carries no usable plan type.
const Default = "plus"

var accountPlans = map[string]struct{}{
	"free":       {},
	"plus":       {},
	"pro":        {},
	"team":       {},
	"business":   {},
	"enterprise": {},
	"edu":        {},
}

var rateLimitPlans = map[string]struct{}{
	"free":           {},
	"plus":           {},
	"pro":            {},
	"team":           {},
	"business":       {},
	"enterprise":     {},
	"edu":            {},
	"guest":          {},
	"go":             {},
	"free_workspace": {},
	"education":      {},
	"quorum":         {},
	"k12":            {},
}

// NormalizeAccount returns the lowercase canonical plan, or "" when the
// value is empty or not in the canonical account set.
func NormalizeAccount(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return ""
	}
	normalized := strings.ToLower(cleaned)
	if _, ok := accountPlans[normalized]; ok {
		return normalized
	}
	return ""
}

// CanonicalizeAccount lowercases canonical plans and preserves unknown but
// non-empty values trimmed. Empty input yields "".
func CanonicalizeAccount(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return ""
	}
	normalized := strings.ToLower(cleaned)
	if _, ok := accountPlans[normalized]; ok {
		return normalized
	}
	return cleaned
}

// CoerceAccount canonicalizes value, falling back to def when value is empty.
func CoerceAccount(value, def string) string {
	if canonical := CanonicalizeAccount(value); canonical != "" {
		return canonical
	}
	return def
}

// NormalizeRateLimit returns the lowercase plan when it belongs to the
// rate-limit set (a superset of the account set), or "".
func NormalizeRateLimit(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return ""
	}
	normalized := strings.ToLower(cleaned)
	if _, ok := rateLimitPlans[normalized]; ok {
		return normalized
	}
	return ""
}
