package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// Models emit JSON wrapped in prose, markdown fences, or private reasoning
// blocks. Extraction never guesses: when no balanced object can be found
// the caller receives a parse_error and applies its deterministic default.

var (
	codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	thinkPattern     = regexp.MustCompile(`(?s)<think(?:ing)?>(.*?)</think(?:ing)?>`)
)

// ExtractJSON returns the outermost balanced JSON object inside content.
// Markdown code fences are unwrapped first. Returns "" when no balanced
// object exists.
func ExtractJSON(content string) string {
	if m := codeFencePattern.FindStringSubmatch(content); m != nil {
		if obj := balancedObject(m[1]); obj != "" {
			return obj
		}
	}
	return balancedObject(content)
}

// balancedObject scans for the first '{' and returns the substring up to
// its matching '}', respecting strings and escapes.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ParseJSON extracts the outermost JSON object from model text and decodes
// it into target. A missing or malformed object is a parse_error; callers
// fall back to their deterministic default instead of guessing.
func ParseJSON(model, content string, target any) error {
	obj := ExtractJSON(content)
	if obj == "" {
		metrics.RecordLLMParseFailure(model)
		return fault.Wrap(fault.ErrParse, "no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(obj), target); err != nil {
		metrics.RecordLLMParseFailure(model)
		return fault.Wrap(fault.ErrParse, "malformed JSON in model output: %v", err)
	}
	return nil
}

// SplitReasoning separates private chain-of-thought from the user-visible
// text. Every <think>...</think> block is removed from the visible part;
// the blocks are concatenated and returned separately. The private text is
// stored once on the context and never re-leaked into follow-up prompts.
func SplitReasoning(content string) (visible, reasoning string) {
	matches := thinkPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(content), ""
	}

	var thoughts []string
	for _, m := range matches {
		if t := strings.TrimSpace(m[1]); t != "" {
			thoughts = append(thoughts, t)
		}
	}
	visible = strings.TrimSpace(thinkPattern.ReplaceAllString(content, ""))
	return visible, strings.Join(thoughts, "\n\n")
}
