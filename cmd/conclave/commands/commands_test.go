package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/conclave/internal/api/mcp"
	"github.com/scrypster/conclave/internal/backup"
	"github.com/scrypster/conclave/internal/gateway"
	"github.com/scrypster/conclave/internal/importer"
	"github.com/scrypster/conclave/internal/index"
	"github.com/scrypster/conclave/pkg/types"
)

// cli runs commands against one jsonfile store that persists across
// invocations.
type cli struct {
	t       *testing.T
	data    string
	backups string
	stdin   string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	root := t.TempDir()
	return &cli{t: t, data: filepath.Join(root, "data"), backups: filepath.Join(root, "backups")}
}

func (c *cli) runContext(ctx context.Context, args ...string) (string, error) {
	c.t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(c.stdin))
	cmd.SetArgs(append([]string{
		"--storage", "jsonfile",
		"--data", c.data,
		"--backup-dir", c.backups,
		"--log-level", "error",
	}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	return c.runContext(context.Background(), args...)
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "conclave %s", strings.Join(args, " "))
	return out
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestSubmitSearchAndGet(t *testing.T) {
	c := newCLI(t)

	res := decode[gateway.Result](t, c.mustRun("submit",
		"--source", "zendesk", "--kind", "incident", "--severity", "high",
		"--subject", "Acme", "--tag", "checkout,outage",
		"Checkout returns 502 for EU customers"))
	assert.Equal(t, types.FactID(1), res.FactID)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, []types.EntityID{"customer:acme"}, res.Subjects)

	hits := decode[mcp.SearchFactsResult](t, c.mustRun("search", "checkout", "502"))
	require.Equal(t, 1, hits.Total)
	assert.Equal(t, types.FactID(1), hits.Hits[0].Fact.ID)

	got := decode[mcp.GetFactResult](t, c.mustRun("get", "#1"))
	assert.Equal(t, "Checkout returns 502 for EU customers", got.Fact.Body)
	assert.Equal(t, types.SeverityHigh, got.Fact.Severity)
	assert.Nil(t, got.Replacement)
}

func TestSubmitValidation(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("submit", "no kind given")
	assert.Error(t, err, "kind is a required flag")

	_, err = c.run("submit", "--kind", "rumor", "Something happened")
	assert.Error(t, err)

	_, err = c.run("get", "zero")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSubmitDeduplicates(t *testing.T) {
	c := newCLI(t)
	args := []string{"submit", "--source", "slack", "--kind", "observation", "Acme asked about SSO again"}
	first := decode[gateway.Result](t, c.mustRun(args...))
	second := decode[gateway.Result](t, c.mustRun(args...))
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.FactID, second.ExistingID)
}

func TestSupersedeAndRecent(t *testing.T) {
	c := newCLI(t)
	c.mustRun("submit", "--kind", "decision", "--rationale", "capacity", "Ship v2 on Friday")
	c.mustRun("submit", "--kind", "decision", "--rationale", "QA found regressions", "Ship v2 next Tuesday")

	out := decode[mcp.SupersedeFactResult](t, c.mustRun("supersede", "1", "2"))
	assert.Equal(t, types.FactID(1), out.Old)

	all := decode[mcp.RecentFactsResult](t, c.mustRun("recent"))
	require.Len(t, all.Facts, 2)
	assert.Equal(t, types.FactID(2), all.Facts[0].ID, "newest first")

	current := decode[mcp.RecentFactsResult](t, c.mustRun("recent", "--current", "--kind", "decision"))
	require.Len(t, current.Facts, 1)
	assert.Equal(t, types.FactID(2), current.Facts[0].ID)

	got := decode[mcp.GetFactResult](t, c.mustRun("get", "1"))
	require.NotNil(t, got.Replacement)
	assert.Equal(t, types.FactID(2), got.Replacement.ID)
}

func TestEntityRegisterMergeAndContext(t *testing.T) {
	c := newCLI(t)
	acme := decode[types.Entity](t, c.mustRun("entity", "register", "Acme Corp",
		"--alias", "acme", "--attr", "tier=enterprise"))
	assert.Equal(t, types.EntityID("customer:acme-corp"), acme.ID)
	assert.Equal(t, "enterprise", acme.Attributes["tier"])

	c.mustRun("entity", "register", "Acme Holdings")
	c.mustRun("submit", "--kind", "incident", "--subject", "Acme Holdings", "SSO login loops")

	survivor := decode[types.Entity](t, c.mustRun("entity", "merge", "Acme Holdings", "acme", "--reason", "same account"))
	assert.Equal(t, acme.ID, survivor.ID)
	assert.Contains(t, survivor.Aliases, "Acme Holdings")

	live := decode[[]*types.Entity](t, c.mustRun("entities", "list"))
	require.Len(t, live, 1)

	ctxOut := c.mustRun("context", "Acme", "Holdings")
	assert.Contains(t, ctxOut, "SSO login loops")

	_, err := c.run("entity", "merge", "Nobody", "acme")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEntityUpdateShowsAtRisk(t *testing.T) {
	c := newCLI(t)
	c.mustRun("entity", "register", "Initech")

	ent := decode[types.Entity](t, c.mustRun("entity", "update", "initech",
		"--alias", "Initech LLC", "--attr", "recent_tickets=3"))
	assert.Equal(t, []string{"Initech LLC"}, ent.Aliases)
	assert.Equal(t, types.SentimentFrustrated, ent.Attributes[types.AttrSentiment])

	sum := decode[index.Summary](t, c.mustRun("summary"))
	require.Len(t, sum.AtRisk, 1)
	assert.Equal(t, "Initech", sum.AtRisk[0].Name)
	assert.Equal(t, 3, sum.AtRisk[0].RecentTickets)

	_, err := c.run("entity", "update", "initech")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAskRecordsSession(t *testing.T) {
	c := newCLI(t)
	c.mustRun("submit", "--kind", "incident", "--severity", "critical", "--subject", "Acme",
		"--tag", "blocker", "Checkout outage blocks every Acme order")
	c.mustRun("submit", "--kind", "observation", "--tag", "launch,deadline",
		"Marketing announced the v2 launch for Friday")

	sess := decode[types.CouncilSession](t, c.mustRun("ask", "--scope", "Acme",
		"Should", "we", "ship", "v2", "on", "Friday?"))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, types.SessionComplete, sess.State)
	assert.Len(t, sess.Opinions, 5)

	listed := decode[[]*types.CouncilSession](t, c.mustRun("sessions"))
	require.Len(t, listed, 1)
	assert.Equal(t, sess.ID, listed[0].ID)

	one := decode[types.CouncilSession](t, c.mustRun("sessions", sess.ID))
	assert.Equal(t, sess.Question, one.Question)
}

func TestThemesAndSummary(t *testing.T) {
	c := newCLI(t)
	c.mustRun("submit", "--kind", "observation", "--tag", "billing", "Invoices show the wrong currency")
	c.mustRun("submit", "--kind", "observation", "--tag", "billing", "Refund took two weeks")

	themes := decode[mcp.ListThemesResult](t, c.mustRun("themes", "--examples", "1"))
	require.NotEmpty(t, themes.Themes)
	assert.Equal(t, "billing", themes.Themes[0].Theme)
	assert.Equal(t, 2, themes.Themes[0].Count)
	assert.Len(t, themes.Themes[0].Examples, 1)

	summary := decode[map[string]interface{}](t, c.mustRun("summary"))
	assert.EqualValues(t, 2, summary["facts"])
}

func TestBackupRoundTrip(t *testing.T) {
	c := newCLI(t)
	c.mustRun("submit", "--kind", "observation", "--subject", "Globex", "Globex renewed for two years")

	res := decode[backup.Result](t, c.mustRun("backup", "now"))
	assert.True(t, res.Verified)
	assert.Equal(t, 1, res.Facts)

	list := decode[[]backup.Info](t, c.mustRun("backup", "list"))
	require.Len(t, list, 1)
	assert.Equal(t, res.Path, list[0].Path)

	c.mustRun("backup", "verify", res.Path)

	restored := newCLI(t)
	out := decode[map[string]interface{}](t, restored.mustRun("backup", "restore", res.Path))
	assert.EqualValues(t, 1, out["facts"])
	got := decode[mcp.GetFactResult](t, restored.mustRun("get", "1"))
	assert.Equal(t, "Globex renewed for two years", got.Fact.Body)

	_, err := c.run("backup", "restore", res.Path)
	assert.Error(t, err, "restore target must be empty")
}

func TestWatchPrintsEvents(t *testing.T) {
	c := newCLI(t)
	c.mustRun("submit", "--kind", "observation", "Status page updated")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out, err := c.runContext(ctx, "watch")
	require.NoError(t, err)

	var seen []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := decode[watchLine](t, sc.Text())
		seen = append(seen, line.Type)
	}
	assert.Contains(t, seen, "fact.appended")

	again, err := c.runContext(ctx, "watch")
	require.NoError(t, err)
	assert.Empty(t, again, "event files are consumed once")
}

func TestMCPOverStdio(t *testing.T) {
	c := newCLI(t)
	c.stdin = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}
{"jsonrpc":"2.0","method":"notifications/initialized"}
{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"submit_fact","arguments":{"source":"mcp","kind":"observation","body":"Stdio works"}}}
`
	out := c.mustRun("mcp")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, "the notification gets no response")
	var resp mcp.JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resp))
	assert.Nil(t, resp.Error)

	c.stdin = ""
	got := decode[mcp.GetFactResult](t, c.mustRun("get", "1"))
	assert.Equal(t, "Stdio works", got.Fact.Body)
}

func TestSetup(t *testing.T) {
	c := newCLI(t)

	cfg := decode[mcpClientConfig](t, c.mustRun("setup"))
	entry, ok := cfg.MCPServers["conclave"]
	require.True(t, ok)
	assert.Equal(t, []string{"mcp"}, entry.Args)
	assert.Equal(t, "jsonfile", entry.Env["CONCLAVE_STORAGE_ENGINE"])

	report := decode[setupReport](t, c.mustRun("setup", "--verify"))
	assert.True(t, report.Ready)
	assert.Len(t, report.Checks, 3)
}

func TestSetupVerifyFailsWithoutDataDir(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("setup", "--verify")
	require.Error(t, err)
	report := decode[setupReport](t, out)
	assert.False(t, report.Ready)
	assert.False(t, report.Checks[0].OK)
}

func TestVersionAndHelp(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	defer SetVersionInfo("dev", "none", "unknown")

	c := newCLI(t)
	out := c.mustRun("--version")
	assert.Contains(t, out, "1.2.3 (commit: abc123")

	out = c.mustRun()
	assert.Contains(t, out, "ask")
	assert.Contains(t, out, "backup")
}

func TestImportNotes(t *testing.T) {
	c := newCLI(t)
	vault := t.TempDir()
	writeFile(t, filepath.Join(vault, "incidents", "sso.md"), "---\nkind: incident\nseverity: medium\n---\n[[Umbrella]] SSO rejects new users\n")
	writeFile(t, filepath.Join(vault, "renewal.md"), "Umbrella renewal is on track\n")

	res := decode[importer.Result](t, c.mustRun("import", vault, "--source", "wiki"))
	assert.Equal(t, 2, res.Imported)

	ctx := decode[map[string]interface{}](t, c.mustRun("context", "Umbrella"))
	incidents, _ := ctx["open_incidents"].([]interface{})
	assert.Len(t, incidents, 1)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
