package importer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkdownFile(t *testing.T) {
	note := []byte(`---
kind: incident
severity: High
source: statuspage
customer: Globex
tags: [checkout, outage]
date: 2024-03-01
---

# Checkout outage

EU checkout returned 502 for [[Acme Corp|Acme]] and [[Initech]] for 40 minutes. #postmortem
`)
	pf, err := ParseMarkdownFile(note, "incidents/2024/checkout.md")
	require.NoError(t, err)

	assert.Equal(t, "Checkout outage", pf.Title)
	assert.Equal(t, "incident", pf.Kind)
	assert.Equal(t, "high", pf.Severity)
	assert.Equal(t, "statuspage", pf.Source)
	assert.Equal(t, []string{"Acme Corp", "Initech", "Globex"}, pf.Subjects)
	assert.Equal(t, []string{"checkout", "outage", "postmortem", "incidents", "2024"}, pf.Tags)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), pf.Timestamp.UTC())
	assert.Equal(t, "Checkout outage\n\nEU checkout returned 502 for Acme and Initech for 40 minutes. #postmortem", pf.Body)
}

func TestParseMarkdownFileWithoutFrontmatter(t *testing.T) {
	pf, err := ParseMarkdownFile([]byte("Renewal call went well.\n"), "acme_renewal-notes.md")
	require.NoError(t, err)
	assert.Equal(t, "acme renewal notes", pf.Title)
	assert.Empty(t, pf.Kind)
	assert.Empty(t, pf.Tags)
	assert.True(t, pf.Timestamp.IsZero())
	assert.Equal(t, "acme renewal notes\n\nRenewal call went well.", pf.Body)

	sub := pf.Submission("observation", "wiki")
	assert.Equal(t, "observation", sub.Kind)
	assert.Equal(t, "wiki", sub.Source)
	assert.Empty(t, sub.SubjectHint)
}

func TestParseMarkdownFileInvalidFrontmatter(t *testing.T) {
	_, err := ParseMarkdownFile([]byte("---\ntags: [unclosed\n---\nbody\n"), "bad.md")
	assert.Error(t, err)
}

func TestSplitFrontmatterUnclosed(t *testing.T) {
	fm, body, err := splitFrontmatter("---\ntitle: x\nno closing line")
	require.NoError(t, err)
	assert.Empty(t, fm)
	assert.Contains(t, body, "no closing line")
}

func TestExtractList(t *testing.T) {
	fm := map[string]interface{}{
		"list":   []interface{}{"a", " b ", "", 3},
		"csv":    "x, y,,z",
		"number": 7,
	}
	assert.Equal(t, []string{"a", "b"}, extractList(fm, "list"))
	assert.Equal(t, []string{"x", "y", "z"}, extractList(fm, "csv"))
	assert.Nil(t, extractList(fm, "number"))
	assert.Nil(t, extractList(fm, "missing"))
}

func TestSubjectLinks(t *testing.T) {
	body := "See [[Acme]], [[ acme ]] and [[Initech Corp|Initech]]. Ping [[Initech Corp]] and [[Globex|globex]]."
	assert.Equal(t, []subjectLink{
		{Name: "Acme"},
		{Name: "Initech Corp", Alias: "Initech"},
		{Name: "Globex"},
	}, subjectLinks(body))
	assert.Equal(t, "See Acme, acme and Initech. Ping Initech Corp and globex.", renderLinks(body))

	pf, err := ParseMarkdownFile([]byte("Call with [[Initech Corp|Initech]] about [[Acme]]"), "calls/initech.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"Initech Corp", "Acme"}, pf.Subjects)
	assert.Equal(t, map[string][]string{"Initech Corp": {"Initech"}}, pf.Aliases)
	assert.Contains(t, pf.Body, "Call with Initech about Acme")
}
