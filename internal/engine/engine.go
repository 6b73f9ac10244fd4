package engine

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/backup"
	"github.com/scrypster/conclave/internal/config"
	"github.com/scrypster/conclave/internal/council"
	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/gateway"
	"github.com/scrypster/conclave/internal/index"
	"github.com/scrypster/conclave/internal/llm"
	"github.com/scrypster/conclave/internal/notify"
	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/pkg/types"
)

// Options override parts of the configured wiring, mostly for tests and
// embedding.
type Options struct {
	Logger *zap.Logger

	// Backend replaces the configured storage engine. The engine closes it.
	Backend storage.Backend

	// Generator serves LLM voices instead of the configured provider.
	Generator llm.TextGenerator

	// Redis replaces the client built from Gateway.RedisURL. The caller
	// keeps ownership.
	Redis redis.UniversalClient

	// Voices replaces the voice table from Council.VoicesFile.
	Voices []config.VoiceSpec

	// DisableNotify skips writing cross-process event files.
	DisableNotify bool

	Clock func() time.Time
}

// Engine owns every component of a running conclave.
type Engine struct {
	cfg  *config.Config
	ecfg Config
	log  *zap.Logger

	store    *factstore.Store
	index    *index.Index
	gateway  *gateway.Gateway
	council  *council.Orchestrator
	pool     *Pool
	backups  *backup.Service
	notifier *notify.EventWriter
	sqlDB    *sql.DB

	rdb       redis.UniversalClient
	ownsRedis bool

	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error
}

// Open builds an engine from cfg. Background work (index verification,
// scheduled backups) runs until Close.
func Open(ctx context.Context, cfg *config.Config, opts Options) (_ *Engine, err error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ecfg := ConfigFrom(cfg)
	if err := ecfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{cfg: cfg, ecfg: ecfg, log: log.Named("engine")}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	backend := opts.Backend
	if backend == nil {
		if backend, e.sqlDB, err = OpenBackend(ctx, cfg.Storage, log); err != nil {
			return nil, err
		}
	}
	e.store, err = factstore.Open(ctx, backend, factstore.Config{
		AppendTimeout: cfg.Engine.AppendTimeout,
		Logger:        log,
		Clock:         clock,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	e.index = index.New(e.store, index.Config{
		EntityWindow:   cfg.Index.EntityWindow,
		MatchThreshold: cfg.Gateway.MatchThreshold,
		Logger:         log,
	})
	e.unsubscribe = append(e.unsubscribe, e.store.Subscribe(e.index.Apply))

	dedup, err := e.openDedup(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	e.gateway, err = gateway.New(e.store, dedup, gateway.Config{
		DedupWindow:    cfg.Gateway.DedupWindow,
		MatchThreshold: cfg.Gateway.MatchThreshold,
		MaxBodyLength:  cfg.Gateway.MaxBodyLength,
		DetectMentions: cfg.Gateway.DetectMentions,
		Logger:         log,
		Clock:          clock,
	})
	if err != nil {
		return nil, err
	}

	voices := opts.Voices
	if voices == nil {
		if voices, err = config.LoadVoices(cfg.Council.VoicesFile); err != nil {
			return nil, err
		}
	}
	gen := opts.Generator
	if gen == nil && needsLLM(voices) {
		if gen, err = llm.NewTextGenerator(llm.Config{
			Provider: cfg.LLM.LLMProvider,
			Model:    cfg.LLM.Model,
			BaseURL:  cfg.LLM.BaseURL,
			APIKey:   cfg.LLM.APIKey,
			Timeout:  cfg.LLM.Timeout,
			Logger:   log,
		}); err != nil {
			return nil, err
		}
	}
	registry, err := council.BuildRegistry(voices, gen, log)
	if err != nil {
		return nil, err
	}

	e.pool = NewPool(max(ecfg.Workers, registry.Len()+1), ecfg.QueueSize, log)
	e.council = council.New(e.store, e.index, registry, e.pool, council.Config{
		Deadline:       cfg.Council.Deadline,
		VoiceTimeout:   cfg.Council.VoiceTimeout,
		ContextLimit:   cfg.Council.ContextLimit,
		MatchThreshold: cfg.Gateway.MatchThreshold,
		Merge: council.MergeConfig{
			StanceSimilarity: cfg.Council.StanceSimilarity,
			ConfidenceCap:    cfg.Council.ConfidenceCap,
		},
		RecordDecisions: cfg.Council.RecordDecisions,
		Logger:          log,
		Clock:           clock,
	})

	if !opts.DisableNotify && cfg.Storage.StorageEngine != "memory" && opts.Backend == nil {
		e.notifier = notify.NewEventWriter(cfg.Storage.DataPath)
		e.unsubscribe = append(e.unsubscribe, e.store.Subscribe(e.forward))
	}

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	if cfg.Index.VerifyInterval > 0 {
		e.wg.Add(1)
		go e.verifyLoop(bg, cfg.Index.VerifyInterval)
	}
	if cfg.Backup.BackupEnabled {
		if e.backups, err = e.newBackupService(clock); err != nil {
			return nil, err
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.backups.Start(bg); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("backup service stopped", zap.Error(err))
			}
		}()
	}

	e.log.Info("engine started",
		zap.String("storage", cfg.Storage.StorageEngine),
		zap.Int("voices", registry.Len()),
		zap.Int("workers", e.pool.Workers()),
		zap.Bool("shared_dedup", e.rdb != nil))
	return e, nil
}

func (e *Engine) openDedup(ctx context.Context, cfg *config.Config, opts Options) (gateway.DedupIndex, error) {
	ttl := 2 * cfg.Gateway.DedupWindow
	if opts.Redis != nil {
		e.rdb = opts.Redis
		return gateway.NewRedisDedup(opts.Redis, "", ttl), nil
	}
	if cfg.Gateway.RedisURL == "" {
		return nil, nil
	}
	ropts, err := redis.ParseURL(cfg.Gateway.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "engine: parse redis url")
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "engine: connect to redis")
	}
	e.rdb, e.ownsRedis = rdb, true
	return gateway.NewRedisDedup(rdb, "", ttl), nil
}

func needsLLM(voices []config.VoiceSpec) bool {
	for _, v := range voices {
		if v.Normalized().Evaluator == "llm" {
			return true
		}
	}
	return false
}

func (e *Engine) newBackupService(clock func() time.Time) (*backup.Service, error) {
	b := e.cfg.Backup
	svc, err := backup.NewService(e.store, backup.Config{
		Dir:      b.BackupPath,
		Interval: b.BackupInterval,
		Retention: backup.RetentionPolicy{
			Hourly:  b.BackupRetentionHourly,
			Daily:   b.BackupRetentionDaily,
			Weekly:  b.BackupRetentionWeekly,
			Monthly: b.BackupRetentionMonthly,
		},
		Verify: true,
		Logger: e.log,
		Clock:  clock,
	})
	if err != nil {
		return nil, err
	}
	if e.sqlDB != nil {
		svc.WithSQLite(e.sqlDB)
	}
	return svc, nil
}

// verifyLoop periodically compares the index with a fresh rebuild.
func (e *Engine) verifyLoop(ctx context.Context, every time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.index.Verify() {
				e.log.Info("index rebuilt by periodic verification", zap.Int("rebuilds", e.index.Rebuilds()))
			}
		}
	}
}

// forward mirrors store events into the shared events directory.
func (e *Engine) forward(ev factstore.Event) {
	ref := EventRef(ev)
	if ref == "" {
		return
	}
	if err := e.notifier.Notify(string(ev.Type), ref); err != nil {
		e.log.Warn("failed to write event file", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

// EventRef returns the identifier an event is about: a fact number, an
// entity ID, or a session ID.
func EventRef(ev factstore.Event) string {
	switch {
	case ev.Session != nil:
		return ev.Session.ID
	case ev.Merge != nil:
		return string(ev.Merge.Survivor)
	case ev.Fact != nil:
		return strconv.FormatUint(uint64(ev.Fact.ID), 10)
	case ev.Entity != nil:
		return string(ev.Entity.ID)
	}
	return ""
}

// Store returns the fact store.
func (e *Engine) Store() *factstore.Store { return e.store }

// Index returns the query engine.
func (e *Engine) Index() *index.Index { return e.index }

// Gateway returns the ingestion gateway.
func (e *Engine) Gateway() *gateway.Gateway { return e.gateway }

// Council returns the council orchestrator.
func (e *Engine) Council() *council.Orchestrator { return e.council }

// Pool returns the worker pool.
func (e *Engine) Pool() *Pool { return e.pool }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Subscribe registers fn for store events. See factstore.Store.Subscribe.
func (e *Engine) Subscribe(fn func(factstore.Event)) (unsubscribe func()) {
	return e.store.Subscribe(fn)
}

// Submit ingests one submission on the worker pool. A full queue is
// ErrPoolFull.
func (e *Engine) Submit(ctx context.Context, sub gateway.Submission) (*gateway.Result, error) {
	var (
		res *gateway.Result
		err error
	)
	if perr := e.pool.Do(ctx, func() { res, err = e.gateway.Submit(ctx, sub) }); perr != nil {
		return nil, perr
	}
	return res, err
}

// Ask convenes the council.
func (e *Engine) Ask(ctx context.Context, question string, opts council.AskOptions) (*types.CouncilSession, error) {
	return e.council.Ask(ctx, question, opts)
}

// Supersede links old to its replacement.
func (e *Engine) Supersede(ctx context.Context, old, replacement types.FactID) error {
	return e.store.MarkSuperseded(ctx, old, replacement)
}

// RegisterEntity creates an entity without a fact.
func (e *Engine) RegisterEntity(ctx context.Context, d types.EntityDraft) (*types.Entity, error) {
	return e.store.RegisterEntity(ctx, d)
}

// UpdateEntity adds aliases and attributes to the entity named name, which
// resolves by ID, name, or alias.
func (e *Engine) UpdateEntity(ctx context.Context, name string, u factstore.EntityUpdate) (*types.Entity, error) {
	ent, err := e.store.ResolveEntity(name)
	if err != nil {
		return nil, err
	}
	return e.store.UpdateEntity(ctx, ent.ID, u)
}

// MergeEntities folds the entity named loser into the one named survivor.
// Both names resolve by ID, name, or alias.
func (e *Engine) MergeEntities(ctx context.Context, loser, survivor, reason string) (*types.Entity, error) {
	l, err := e.store.ResolveEntity(loser)
	if err != nil {
		return nil, err
	}
	s, err := e.store.ResolveEntity(survivor)
	if err != nil {
		return nil, err
	}
	return e.store.MergeEntities(ctx, l.ID, s.ID, reason)
}

// Backup takes a backup now, using the scheduled service when one runs.
func (e *Engine) Backup(ctx context.Context) (*backup.Result, error) {
	svc := e.backups
	if svc == nil {
		var err error
		if svc, err = e.newBackupService(time.Now); err != nil {
			return nil, err
		}
	}
	return svc.BackupNow(ctx)
}

// Close stops background work, drains the worker pool, and closes the
// store and any Redis client the engine created.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		var errs error
		if e.pool != nil {
			ctx := context.Background()
			errs = errors.CombineErrors(errs, e.pool.Stop(ctx, e.ecfg.ShutdownTimeout))
		}
		for _, unsub := range e.unsubscribe {
			unsub()
		}
		if e.store != nil {
			errs = errors.CombineErrors(errs, e.store.Close())
		}
		if e.ownsRedis && e.rdb != nil {
			errs = errors.CombineErrors(errs, e.rdb.Close())
		}
		e.closeErr = errs
		e.log.Info("engine stopped")
	})
	return e.closeErr
}
