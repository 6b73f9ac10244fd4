package gateway

import (
	"regexp"
	"sort"

	"github.com/cockroachdb/errors"
)

// DefaultThemePatterns tag facts whose body matches. Matching is case
// insensitive.
var DefaultThemePatterns = map[string]string{
	"customer_issue":    `(issue|problem|bug|broken|not working|error)`,
	"feature_request":   `(would be nice|feature request|can we add|should have)`,
	"positive_feedback": `(love|great|awesome|excited|happy)`,
	"deadline":          `(deadline|due|by end of|eod|eow|asap)`,
	"blocker":           `(blocked|waiting on|dependency|need.*before)`,
}

type themePattern struct {
	theme string
	re    *regexp.Regexp
}

// compileThemes builds matchers in theme-name order so detection output is
// stable.
func compileThemes(patterns map[string]string) ([]themePattern, error) {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]themePattern, 0, len(names))
	for _, name := range names {
		re, err := regexp.Compile("(?i)" + patterns[name])
		if err != nil {
			return nil, errors.Wrapf(err, "gateway: theme %q", name)
		}
		out = append(out, themePattern{theme: name, re: re})
	}
	return out, nil
}

func detectThemes(patterns []themePattern, body string) []string {
	var out []string
	for _, p := range patterns {
		if p.re.MatchString(body) {
			out = append(out, p.theme)
		}
	}
	return out
}
