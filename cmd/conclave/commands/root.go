// Package commands implements the conclave command line.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/config"
	"github.com/scrypster/conclave/internal/engine"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// Execute runs the command line until it finishes or the process receives
// SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// app carries the global flags and the state built from them in
// PersistentPreRunE.
type app struct {
	storage   string
	dataPath  string
	backupDir string
	logLevel  string
	logFormat string

	cfg *config.Config
	log *zap.Logger
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "conclave",
		Short: "Conclave - shared fact store and advisory council",
		Long: `Conclave collects facts (observations, incidents, decisions) from many
sources into one append-only log, indexes them by entity and theme, and
convenes a council of voices to answer questions against that history.

Configuration comes from CONCLAVE_* environment variables; the global flags
below override the most common ones.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.storage, "storage", "", "storage engine: jsonfile, sqlite, postgres, memory (env CONCLAVE_STORAGE_ENGINE)")
	f.StringVar(&a.dataPath, "data", "", "data directory (env CONCLAVE_DATA_PATH)")
	f.StringVar(&a.backupDir, "backup-dir", "", "backup directory (env CONCLAVE_BACKUP_PATH)")
	f.StringVar(&a.logLevel, "log-level", "", "debug, info, warn, error (env CONCLAVE_LOG_LEVEL)")
	f.StringVar(&a.logFormat, "log-format", "", "console or json (env CONCLAVE_LOG_FORMAT)")

	root.AddCommand(
		a.serveCmd(),
		a.mcpCmd(),
		a.submitCmd(),
		a.supersedeCmd(),
		a.getCmd(),
		a.searchCmd(),
		a.contextCmd(),
		a.themesCmd(),
		a.recentCmd(),
		a.summaryCmd(),
		a.askCmd(),
		a.sessionsCmd(),
		a.entityCmd(),
		a.importCmd(),
		a.watchCmd(),
		a.backupCmd(),
		a.setupCmd(),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if a.storage != "" {
		cfg.Storage.StorageEngine = a.storage
	}
	if a.dataPath != "" {
		cfg.Storage.DataPath = a.dataPath
	}
	if a.backupDir != "" {
		cfg.Backup.BackupPath = a.backupDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// openEngine opens the configured store. Background work (index
// verification, scheduled backups) only runs for long-lived commands.
func (a *app) openEngine(ctx context.Context, longLived bool) (*engine.Engine, error) {
	cfg := *a.cfg
	if !longLived {
		cfg.Backup.BackupEnabled = false
		cfg.Index.VerifyInterval = 0
	}
	return engine.Open(ctx, &cfg, engine.Options{Logger: a.log})
}

// withEngine opens a short-lived engine around fn.
func (a *app) withEngine(cmd *cobra.Command, fn func(e *engine.Engine) error) (err error) {
	e, err := a.openEngine(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(e)
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
