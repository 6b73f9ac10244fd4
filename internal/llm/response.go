package llm

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// ExtractJSON returns the first complete JSON object in text. Models often
// wrap the object in markdown fences or add prose around it.
func ExtractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escape {
			escape = false
			continue
		}
		if c == '\\' {
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text
}

// DecodeJSON extracts the JSON object from a completion and decodes it into v.
func DecodeJSON(completion string, v any) error {
	raw := ExtractJSON(completion)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.Wrapf(err, "malformed JSON in completion %q", truncate(raw, 120))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
