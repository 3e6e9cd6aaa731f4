// Package memory implements the tiered memory store: PII sanitization and
// auto-classification on store, the cross-group access matrix with L3
// auditing on recall, and the embedding pipeline with keyword fallback.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// piiRule pairs a detection pattern with its replacement sentinel. Rules run
// in declaration order, most specific first, so a JWT is consumed before the
// generic credential pattern can take a bite out of it. Sentinels never match
// any rule, which keeps sanitization idempotent.
type piiRule struct {
	name     string
	sentinel string
	re       *regexp.Regexp
}

var piiRules = []piiRule{
	{"jwt", "[JWT_REDACTED]",
		regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	{"api_key", "[API_KEY_REDACTED]",
		regexp.MustCompile(`\b(?:sk|pk)-[A-Za-z0-9_-]{20,}\b|\bgh[pousr]_[A-Za-z0-9]{36}\b|\bxox[baprs]-[A-Za-z0-9-]{10,}\b|\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"aws_key", "[AWS_KEY_REDACTED]",
		regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)},
	{"bearer_token", "[BEARER_REDACTED]",
		regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`)},
	{"credential", "[CREDENTIAL_REDACTED]",
		regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret|token|api_key|apikey)\s*[:=]\s*\S+`)},
	{"email", "[EMAIL_REDACTED]",
		regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"credit_card", "[CARD_REDACTED]",
		regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{1,4}\b`)},
	{"phone", "[PHONE_REDACTED]",
		regexp.MustCompile(`\b(?:\+?\d{1,2}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
	{"ipv4", "[IP_REDACTED]",
		regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"ssn", "[SSN_REDACTED]",
		regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
}

// SanitizeResult is the outcome of one sanitization pass.
type SanitizeResult struct {
	Content     string
	PIIDetected bool
	PIITypes    []string
}

// Sanitize redacts PII from content and reports the detected types, sorted
// and deduplicated. Running it on already sanitized content is a no-op.
func Sanitize(content string) SanitizeResult {
	out := content
	found := make(map[string]bool)
	for _, r := range piiRules {
		if !r.re.MatchString(out) {
			continue
		}
		out = r.re.ReplaceAllString(out, r.sentinel)
		found[r.name] = true
	}
	types := make([]string, 0, len(found))
	for name := range found {
		types = append(types, name)
	}
	sort.Strings(types)
	return SanitizeResult{Content: out, PIIDetected: len(types) > 0, PIITypes: types}
}

// HashContent returns the hex SHA-256 of the original, pre-sanitization
// content. Repeat stores of the same original are detected through it even
// though only the sanitized form is persisted.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

const maxKeywords = 10

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "have": true, "this": true, "that": true, "with": true,
	"from": true, "they": true, "will": true, "what": true, "when": true,
	"where": true, "which": true, "your": true, "about": true, "into": true,
	"than": true, "then": true, "them": true, "were": true, "been": true,
	"how": true, "who": true, "its": true, "also": true, "does": true,
}

// Keywords tokenizes a recall query: lower-cased, stop words removed, tokens
// of three or more characters only, deduplicated, capped at ten.
func Keywords(query string) []string {
	tokens := wordPattern.FindAllString(strings.ToLower(query), -1)
	seen := make(map[string]bool)
	var out []string
	for _, t := range tokens {
		if len(t) <= 2 || stopWords[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
