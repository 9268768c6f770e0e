package registry

import (
	"regexp"
	"strings"
)

// Provider and vendor prefixes stripped during logical grouping. Path-style
// vendor prefixes ("openai/gpt-4o") are handled separately.
var strippedPrefixes = []string{
	"accounts/fireworks/models/",
	"publishers/google/models/",
	"models/",
	"vertex/",
	"vertex_ai/",
	"bedrock/",
	"anthropic.",
	"amazon.",
	"meta.",
}

// pVersion rewrites Fireworks-style version encodings: llama-v3p1 ↔ llama-3.1.
var pVersion = regexp.MustCompile(`(\d)p(\d)`)

// vPrefix drops the "v" in front of dotted version numbers ("llama-v3.1").
// Bare single-digit suffixes like "deepseek-v3" keep their v: they are part
// of the common name, not an encoding variant.
var vPrefix = regexp.MustCompile(`\bv(\d+\.\d)`)

// Normalize rewrites a provider-specific model id into its canonical id.
// The rewrite is deterministic: lower-case, strip known provider prefixes,
// collapse version encodings, and unify separators. Distinct logical models
// must stay distinct — only vendor noise is removed.
func Normalize(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	if s == "" {
		return ""
	}

	for _, prefix := range strippedPrefixes {
		s = strings.TrimPrefix(s, prefix)
	}

	// Path-style vendor prefix: keep the final segment.
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}

	// Bedrock ids carry a ":<revision>" suffix; OpenRouter a ":free" tag.
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}

	s = pVersion.ReplaceAllString(s, "$1.$2")
	s = vPrefix.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.Trim(s, "-")
	return s
}
