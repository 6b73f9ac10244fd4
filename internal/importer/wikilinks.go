// Package importer turns folders of Markdown notes (Obsidian vaults, wiki
// exports, incident write-ups) into fact submissions. [[Wiki links]] name the
// entities a note is about.
package importer

import (
	"regexp"
	"strings"

	"github.com/scrypster/conclave/internal/textutil"
)

// linkRe matches [[Target]] and [[Target|display text]].
var linkRe = regexp.MustCompile(`\[\[([^\[\]|]+?)(?:\|([^\[\]]+?))?\]\]`)

// subjectLink is an entity named by a wiki link. Alias is the display text of
// a [[Target|Alias]] link when it differs from the target.
type subjectLink struct {
	Name  string
	Alias string
}

// subjectLinks returns the entities a note links to, once per target in order
// of first appearance. Targets compare the way entity names do, so [[Acme]]
// and [[ acme ]] are one subject; the first non-trivial display text wins.
func subjectLinks(body string) []subjectLink {
	var (
		out []subjectLink
		at  = make(map[string]int)
	)
	for _, m := range linkRe.FindAllStringSubmatch(body, -1) {
		name := textutil.CollapseSpace(m[1])
		key := textutil.Key(name)
		if key == "" {
			continue
		}
		alias := textutil.CollapseSpace(m[2])
		if textutil.Key(alias) == key {
			alias = ""
		}
		if i, ok := at[key]; ok {
			if out[i].Alias == "" {
				out[i].Alias = alias
			}
			continue
		}
		at[key] = len(out)
		out = append(out, subjectLink{Name: name, Alias: alias})
	}
	return out
}

// renderLinks replaces each link with the text a reader sees: the display
// text when given, otherwise the target.
func renderLinks(body string) string {
	return linkRe.ReplaceAllStringFunc(body, func(link string) string {
		m := linkRe.FindStringSubmatch(link)
		if shown := strings.TrimSpace(m[2]); shown != "" {
			return shown
		}
		return strings.TrimSpace(m[1])
	})
}
