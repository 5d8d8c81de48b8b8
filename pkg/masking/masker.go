// Package masking redacts credentials from text before it reaches the
// activity log or an agent prompt. Forge tokens, bearer headers, private key
// blocks, and generic secret assignments are replaced with fixed markers so a
// leaked dashboard or log file never contains a usable credential.
package masking

import (
	"fmt"
	"regexp"
)

// CompiledPattern is one redaction rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns cover the credential shapes that flow through forge
// payloads and agent output. Order matters: the multi-line key block pattern
// runs before the generic assignment pattern would mangle it.
var builtinPatterns = []CompiledPattern{
	{
		Name:        "forge_token",
		Regex:       regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}\b`),
		Replacement: "***MASKED_FORGE_TOKEN***",
	},
	{
		Name:        "forge_pat",
		Regex:       regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`),
		Replacement: "***MASKED_FORGE_TOKEN***",
	},
	{
		Name:        "bearer_header",
		Regex:       regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)[A-Za-z0-9._~+/=-]+`),
		Replacement: "${1}***MASKED_TOKEN***",
	},
	{
		Name:        "private_key_block",
		Regex:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
		Replacement: "***MASKED_PRIVATE_KEY***",
	},
	{
		Name:        "secret_assignment",
		Regex:       regexp.MustCompile(`(?i)\b((?:api[_-]?key|secret|password|token)\s*[=:]\s*)["']?[A-Za-z0-9._~+/-]{8,}["']?`),
		Replacement: "${1}***MASKED_SECRET***",
	},
}

// Masker applies redaction rules in registration order.
type Masker struct {
	patterns []CompiledPattern
}

// NewMasker returns a masker loaded with the built-in rules.
func NewMasker() *Masker {
	return &Masker{patterns: builtinPatterns}
}

// AddPattern registers a custom rule behind the built-ins.
func (m *Masker) AddPattern(name, pattern, replacement string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid masking pattern %q: %w", name, err)
	}
	m.patterns = append(m.patterns, CompiledPattern{
		Name:        name,
		Regex:       re,
		Replacement: replacement,
	})
	return nil
}

// Mask redacts every rule match in s.
func (m *Masker) Mask(s string) string {
	for _, p := range m.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}
