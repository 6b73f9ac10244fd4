package commands

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/backup"
	"github.com/scrypster/conclave/internal/engine"
)

func (a *app) backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take, list, verify and restore backups",
	}
	cmd.AddCommand(
		a.backupNowCmd(),
		a.backupRunCmd(),
		a.backupListCmd(),
		a.backupVerifyCmd(),
		a.backupRestoreCmd(),
	)
	return cmd
}

func (a *app) backupNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Take one verified backup and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				res, err := e.Backup(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func (a *app) backupRunCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Take scheduled backups until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cfg.Backup.BackupEnabled = true
			if interval > 0 {
				a.cfg.Backup.BackupInterval = interval
			}
			e, err := a.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			a.log.Info("backup scheduler running",
				zap.Duration("interval", a.cfg.Backup.BackupInterval),
				zap.String("dir", a.cfg.Backup.BackupPath))
			<-cmd.Context().Done()
			return e.Close()
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "backup interval (env CONCLAVE_BACKUP_INTERVAL)")
	return cmd
}

func (a *app) backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := backup.List(a.cfg.Backup.BackupPath)
			if err != nil {
				return err
			}
			if infos == nil {
				infos = []backup.Info{}
			}
			return printJSON(cmd.OutOrStdout(), infos)
		},
	}
}

func (a *app) backupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Check that a backup file is complete and readable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := backup.Verify(args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{"path": args[0], "verified": true})
		},
	}
}

func (a *app) backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Load a document backup into the configured, empty store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			dst, _, err := engine.OpenBackend(ctx, a.cfg.Storage, a.log)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := dst.Close(); err == nil && cerr != nil {
					err = errors.Wrap(cerr, "close restored store")
				}
			}()
			n, err := backup.Restore(ctx, args[0], dst)
			if err != nil {
				return err
			}
			a.log.Info("backup restored", zap.String("path", args[0]), zap.Int("facts", n))
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{"path": args[0], "facts": n})
		},
	}
}
