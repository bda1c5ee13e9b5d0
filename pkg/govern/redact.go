package govern

import (
	"fmt"
	"regexp"
	"strings"
)

// Mask is the fixed marker substituted for redacted content.
const Mask = "***REDACTED***"

// DefaultMaxTextChars clamps string values in persisted payloads.
const DefaultMaxTextChars = 4096

// defaultKeyHints mask map values eagerly when the key contains a hint.
var defaultKeyHints = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"bearer",
	"cookie",
	"session",
	"private_key",
	"ssh_key",
}

// defaultPatterns scrub inline secrets.
var defaultPatterns = []string{
	`sk-[A-Za-z0-9_-]{3,}`,
	`(?i)api[_-]?key\s*[:=]\s*\S+`,
	`(?i)authorization\s*:\s*bearer\s+\S+`,
}

// defaultPIIPatterns scrub common PII shapes: emails, card numbers, phone
// numbers. Heuristic, not a PII detector.
var defaultPIIPatterns = []string{
	`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
	`\b(?:\d[ -]?){13,16}\b`,
	`\b\+?(?:\d[ -]?){7,15}\b`,
}

// Redactor sanitizes payloads before they reach logs, traces, or
// persistence. Key hints mask map values outright; regex patterns scrub
// inline matches; strings are clamped to MaxTextChars.
type Redactor struct {
	mask         string
	maxTextChars int
	keyHints     []string
	patterns     []*regexp.Regexp
}

// RedactorOption configures a Redactor.
type RedactorOption func(*Redactor)

// WithPatterns appends extra regex patterns. Invalid patterns are skipped.
func WithPatterns(patterns ...string) RedactorOption {
	return func(r *Redactor) {
		r.patterns = append(r.patterns, compilePatterns(patterns)...)
	}
}

// WithKeyHints replaces the default key hints.
func WithKeyHints(hints ...string) RedactorOption {
	return func(r *Redactor) {
		r.keyHints = nil
		for _, h := range hints {
			r.keyHints = append(r.keyHints, strings.ToLower(h))
		}
	}
}

// WithMaxTextChars sets the string clamp length.
func WithMaxTextChars(n int) RedactorOption {
	return func(r *Redactor) {
		r.maxTextChars = n
	}
}

// WithoutPII disables the PII pattern set, keeping secret patterns only.
func WithoutPII() RedactorOption {
	return func(r *Redactor) {
		r.patterns = compilePatterns(defaultPatterns)
	}
}

// NewRedactor builds a redactor with the default secret and PII patterns.
func NewRedactor(opts ...RedactorOption) *Redactor {
	r := &Redactor{
		mask:         Mask,
		maxTextChars: DefaultMaxTextChars,
		keyHints:     defaultKeyHints,
		patterns:     compilePatterns(append(append([]string{}, defaultPatterns...), defaultPIIPatterns...)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// Text scrubs and clamps a single string.
func (r *Redactor) Text(s string) string {
	out := s
	for _, p := range r.patterns {
		out = p.ReplaceAllString(out, r.mask)
	}
	if len(out) > r.maxTextChars {
		return out[:r.maxTextChars] + r.mask
	}
	return out
}

// Sanitize returns a redacted deep copy of the payload. The input is never
// mutated.
func (r *Redactor) Sanitize(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out, _ := r.redactAny(payload).(map[string]any)
	return out
}

func (r *Redactor) redactAny(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return r.Text(v)
	case bool, int, int32, int64, float32, float64:
		return v
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.redactAny(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if r.sensitiveKey(k) {
				out[k] = r.mask
			} else {
				out[k] = r.redactAny(item)
			}
		}
		return out
	default:
		return r.Text(fmt.Sprintf("%v", v))
	}
}

func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, hint := range r.keyHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
