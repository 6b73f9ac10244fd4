package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/conclave/internal/gateway"
)

// ParsedFile represents a single Markdown note that has been parsed.
type ParsedFile struct {
	// RelativePath is the path relative to the import root directory.
	RelativePath string

	// Title is the frontmatter title, the first H1 heading, or the file name.
	Title string

	// Body is the note text with frontmatter removed and wiki links
	// rendered as plain text.
	Body string

	// Frontmatter holds the parsed YAML frontmatter key/value pairs.
	Frontmatter map[string]interface{}

	// Tags merges frontmatter tags, inline #tags and the folder names the
	// note sits in.
	Tags []string

	// Subjects are entity names from wiki links and the frontmatter
	// subject, subjects or customer keys.
	Subjects []string

	// Aliases maps a linked subject to the display text of a
	// [[Subject|Alias]] link.
	Aliases map[string][]string

	// Kind, Source, Severity, Rationale and EntityKind come from frontmatter
	// and may be empty.
	Kind       string
	Source     string
	Severity   string
	Rationale  string
	EntityKind string

	// Timestamp is from the frontmatter date fields, or zero if absent.
	Timestamp time.Time
}

// ParseMarkdownFile parses a single Markdown file's content.
// relativePath is used to derive folder tags and the fallback title.
func ParseMarkdownFile(content []byte, relativePath string) (*ParsedFile, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, errors.Wrapf(err, "frontmatter in %s", relativePath)
	}

	title := extractString(fm, "title", "")
	if title == "" {
		title = extractH1(body)
	}
	if title == "" {
		title = titleFromPath(relativePath)
	}

	tags := mergeTags(extractList(fm, "tags"), extractInlineTags(body))
	tags = mergeTags(tags, folderTags(relativePath))

	var subjects []string
	aliases := make(map[string][]string)
	for _, l := range subjectLinks(body) {
		subjects = append(subjects, l.Name)
		if l.Alias != "" {
			aliases[l.Name] = append(aliases[l.Name], l.Alias)
		}
	}
	for _, key := range []string{"subject", "subjects", "customer"} {
		subjects = mergeTags(subjects, extractList(fm, key))
	}

	kind := extractString(fm, "kind", "")
	if kind == "" {
		kind = extractString(fm, "type", "")
	}

	return &ParsedFile{
		RelativePath: relativePath,
		Title:        title,
		Body:         buildBody(title, renderLinks(body)),
		Frontmatter:  fm,
		Tags:         tags,
		Subjects:     subjects,
		Aliases:      aliases,
		Kind:         strings.ToLower(kind),
		Source:       extractString(fm, "source", ""),
		Severity:     strings.ToLower(extractString(fm, "severity", "")),
		Rationale:    extractString(fm, "rationale", ""),
		EntityKind:   strings.ToLower(extractString(fm, "entity_kind", "")),
		Timestamp:    extractTimestamp(fm),
	}, nil
}

// Submission converts the note into a gateway submission. defaultKind and
// defaultSource fill in what the frontmatter leaves out.
func (pf *ParsedFile) Submission(defaultKind, defaultSource string) gateway.Submission {
	sub := gateway.Submission{
		Source:      pf.Source,
		Kind:        pf.Kind,
		Body:        pf.Body,
		SubjectHint: strings.Join(pf.Subjects, ", "),
		EntityKind:  pf.EntityKind,
		Timestamp:   pf.Timestamp,
		Tags:        pf.Tags,
		Severity:    pf.Severity,
		Rationale:   pf.Rationale,
	}
	if sub.Source == "" {
		sub.Source = defaultSource
	}
	if sub.Kind == "" {
		sub.Kind = defaultKind
	}
	return sub
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the Markdown body. Returns empty map and full text when no frontmatter found.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		// No closing delimiter - treat entire file as body.
		return map[string]interface{}{}, text, nil
	}

	fmText := strings.Join(lines[1:closeIdx], "\n")
	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
		return map[string]interface{}{}, text, errors.Wrap(err, "invalid YAML")
	}

	body := strings.Join(lines[closeIdx+1:], "\n")
	return fm, body, nil
}

// folderTags returns the directories between the import root and the file,
// e.g. "incidents/2024/outage.md" gives [incidents 2024].
func folderTags(rel string) []string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	var out []string
	for _, p := range parts[:len(parts)-1] {
		if s := sanitizeSegment(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// titleFromPath derives a human-readable title from the file name (no extension).
func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return strings.TrimSpace(name)
}

// extractH1 returns the text of the first ATX heading (# ...) found in the body.
func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// extractList reads a list from frontmatter. Handles both list and
// comma-separated string forms.
func extractList(fm map[string]interface{}, key string) []string {
	raw, ok := fm[key]
	if !ok {
		return nil
	}

	var out []string
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

// extractTimestamp reads a date field from frontmatter and attempts several
// common layouts.
func extractTimestamp(fm map[string]interface{}) time.Time {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"January 2, 2006",
		"Jan 2, 2006",
	}

	for _, key := range []string{"date", "occurred_at", "created", "created_at"} {
		raw, ok := fm[key]
		if !ok {
			continue
		}
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case time.Time:
			return v
		default:
			s = fmt.Sprintf("%v", v)
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// extractString pulls a string value from frontmatter by key with a default.
func extractString(fm map[string]interface{}, key, defaultVal string) string {
	v, ok := fm[key]
	if !ok {
		return defaultVal
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return defaultVal
}

// inlineTagRe finds #hashtag patterns in body text.
var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

// extractInlineTags finds #hashtag patterns in body text.
func extractInlineTags(body string) []string {
	matches := inlineTagRe.FindAllStringSubmatch(body, -1)
	var tags []string
	for _, m := range matches {
		tags = append(tags, strings.TrimSpace(m[1]))
	}
	return mergeTags(nil, tags)
}

// mergeTags combines two slices deduplicating by lowercase value.
func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, tag := range append(append([]string(nil), a...), b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			result = append(result, tag)
		}
	}
	return result
}

// sanitizeSegment makes a path segment safe to use as a tag.
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// buildBody prefixes the title unless the body already opens with it.
func buildBody(title, body string) string {
	body = strings.TrimSpace(body)
	if h1 := extractH1(body); h1 != "" && strings.HasPrefix(body, "# ") {
		body = strings.TrimSpace(strings.TrimPrefix(body, "# "+h1))
		title = h1
	}
	switch {
	case title == "":
		return body
	case body == "":
		return title
	}
	return title + "\n\n" + body
}
