package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/scrypster/conclave/internal/config"
	"github.com/scrypster/conclave/internal/council"
	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/gateway"
	"github.com/scrypster/conclave/pkg/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testConfig(t *testing.T, engine string) *config.Config {
	t.Helper()
	t.Setenv("CONCLAVE_STORAGE_ENGINE", engine)
	t.Setenv("CONCLAVE_DATA_PATH", filepath.Join(t.TempDir(), "data"))
	t.Setenv("CONCLAVE_BACKUP_PATH", filepath.Join(t.TempDir(), "backups"))
	t.Setenv("CONCLAVE_INDEX_VERIFY_INTERVAL", "0s")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config, opts Options) *Engine {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return t0 }
	}
	e, err := Open(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func submit(t *testing.T, e *Engine, sub gateway.Submission) *gateway.Result {
	t.Helper()
	res, err := e.Submit(context.Background(), sub)
	require.NoError(t, err)
	return res
}

func TestEngineIngestQueryAsk(t *testing.T) {
	e := openEngine(t, testConfig(t, "memory"), Options{})
	ctx := context.Background()

	res := submit(t, e, gateway.Submission{
		Source: "zendesk", Kind: "incident", Severity: "high",
		Body: "Acme cannot log in after the SSO change", SubjectHint: "Acme Corp",
	})
	require.NotZero(t, res.FactID)
	assert.Equal(t, []types.EntityID{"customer:acme-corp"}, res.Subjects)
	submit(t, e, gateway.Submission{Source: "slack:#gtm", Kind: "observation", Body: "Beta customers love the new editor"})

	// The index follows the store through its subscription.
	assert.Len(t, e.Index().Recent(10), 2)
	ec, err := e.Index().Context("acme corp")
	require.NoError(t, err)
	assert.Len(t, ec.OpenIncidents, 1)

	sess, err := e.Ask(ctx, "Should we delay the beta?", council.AskOptions{Scope: "Acme Corp"})
	require.NoError(t, err)
	assert.Equal(t, types.SessionComplete, sess.State)
	assert.Len(t, sess.Opinions, 5)
	assert.NotEmpty(t, sess.Recommendation)

	got, err := e.Store().Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Recommendation, got.Recommendation)
}

func TestEngineAdminOperations(t *testing.T) {
	e := openEngine(t, testConfig(t, "memory"), Options{})
	ctx := context.Background()

	acme, err := e.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Corp"})
	require.NoError(t, err)
	dup, err := e.RegisterEntity(ctx, types.EntityDraft{Name: "ACME Inc"})
	require.NoError(t, err)

	merged, err := e.MergeEntities(ctx, "ACME Inc", "Acme Corp", "same company")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, merged.ID)
	assert.Equal(t, acme.ID, e.Store().Canonical(dup.ID))

	_, err = e.MergeEntities(ctx, "nobody", "Acme Corp", "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	first := submit(t, e, gateway.Submission{Source: "zendesk", Kind: "incident", Body: "Export broken"})
	second := submit(t, e, gateway.Submission{Source: "zendesk", Kind: "observation", Body: "Export fixed"})
	require.NoError(t, e.Supersede(ctx, first.FactID, second.FactID))
	f, err := e.Store().Get(first.FactID)
	require.NoError(t, err)
	assert.Equal(t, second.FactID, f.SupersededBy)
}

func TestEngineJSONFilePersistsAndNotifies(t *testing.T) {
	cfg := testConfig(t, "jsonfile")
	e, err := Open(context.Background(), cfg, Options{})
	require.NoError(t, err)

	res := submit(t, e, gateway.Submission{Source: "slack", Kind: "observation", Body: "Onboarding call went well", SubjectHint: "Globex"})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "Close is idempotent")

	entries, err := os.ReadDir(filepath.Join(cfg.Storage.DataPath, "events"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "entity created and fact appended")

	reopened := openEngine(t, cfg, Options{DisableNotify: true})
	f, err := reopened.Store().Get(res.FactID)
	require.NoError(t, err)
	assert.Equal(t, "Onboarding call went well", f.Body)
	assert.Len(t, reopened.Index().Recent(5), 1, "index rebuilt from the store")
}

func TestEngineSQLiteBackup(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	e := openEngine(t, cfg, Options{})
	submit(t, e, gateway.Submission{Source: "slack", Kind: "observation", Body: "Pricing page confusing"})

	res, err := e.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Facts)
	assert.True(t, res.Verified)
	assert.FileExists(t, res.Path)
	assert.FileExists(t, res.Database)
}

func TestEngineRedisDedup(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	e := openEngine(t, testConfig(t, "memory"), Options{Redis: rdb})
	sub := gateway.Submission{Source: "zendesk", Kind: "observation", Body: "Customer asked about SSO"}
	first := submit(t, e, sub)
	second := submit(t, e, sub)
	assert.False(t, first.Deduplicated)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.FactID, second.ExistingID)
}

func TestEngineRedisURL(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, "memory")
	cfg.Gateway.RedisURL = "redis://" + mr.Addr() + "/0"
	e := openEngine(t, cfg, Options{})

	sub := gateway.Submission{Source: "zendesk", Kind: "observation", Body: "Renewal at risk"}
	submit(t, e, sub)
	assert.True(t, submit(t, e, sub).Deduplicated)
	assert.NotEmpty(t, mr.Keys())

	cfg.Gateway.RedisURL = "not a url"
	_, err := Open(context.Background(), cfg, Options{})
	assert.Error(t, err)
}

func TestEngineLLMVoiceNeedsProvider(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.LLM.LLMProvider = "openai"
	voices := []config.VoiceSpec{{ID: "analyst", Evaluator: "llm"}}

	_, err := Open(context.Background(), cfg, Options{Voices: voices})
	assert.Error(t, err, "openai without an API key")
}

func TestVerifyLoopQuietWhenIndexIsHealthy(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Index.VerifyInterval = 10 * time.Millisecond
	core, logs := observer.New(zap.InfoLevel)
	e := openEngine(t, cfg, Options{Logger: zap.New(core)})
	submit(t, e, gateway.Submission{Source: "slack:#cs", Kind: "observation", Body: "Acme likes the new editor"})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, e.Index().Rebuilds())
	assert.Zero(t, logs.FilterMessageSnippet("index").Len(), "a healthy index is verified silently")
}

func TestEventRef(t *testing.T) {
	tests := []struct {
		ev   factstore.Event
		want string
	}{
		{factstore.Event{Type: factstore.EventFactAppended, Fact: &types.Fact{ID: 7}}, "7"},
		{factstore.Event{Type: factstore.EventEntityCreated, Entity: &types.Entity{ID: "customer:acme"}}, "customer:acme"},
		{factstore.Event{Type: factstore.EventEntitiesMerged, Merge: &types.EntityMerge{Survivor: "customer:acme"}, Entity: &types.Entity{ID: "customer:acme"}}, "customer:acme"},
		{factstore.Event{Type: factstore.EventSessionRecorded, Session: &types.CouncilSession{ID: "s1"}}, "s1"},
		{factstore.Event{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EventRef(tt.ev))
	}
}
