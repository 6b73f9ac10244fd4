package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/scrypster/conclave/internal/config"
)

// mcpClientConfig is the block MCP clients such as Claude Desktop read from
// their settings file.
type mcpClientConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

type setupCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type setupReport struct {
	Ready  bool         `json:"ready"`
	Checks []setupCheck `json:"checks"`
}

func (a *app) setupCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare the data directory and print MCP client settings",
		Long: `Create the data and backup directories and print the mcpServers block
to paste into an MCP client's settings. With --verify, check the
installation instead and fail when anything is missing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verify {
				report := a.verifyInstall(cmd)
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Ready {
					return errors.New("setup: installation is not ready")
				}
				return nil
			}

			for _, dir := range []string{a.cfg.Storage.DataPath, a.cfg.Backup.BackupPath} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return errors.Wrapf(err, "setup: create %s", dir)
				}
			}
			exe, err := os.Executable()
			if err != nil {
				exe = "conclave"
			}
			dataPath, err := filepath.Abs(a.cfg.Storage.DataPath)
			if err != nil {
				return errors.Wrap(err, "setup: resolve data path")
			}
			env := map[string]string{
				"CONCLAVE_STORAGE_ENGINE": a.cfg.Storage.StorageEngine,
				"CONCLAVE_DATA_PATH":      dataPath,
			}
			if a.cfg.Council.VoicesFile != "" {
				env["CONCLAVE_VOICES_FILE"] = a.cfg.Council.VoicesFile
			}
			return printJSON(cmd.OutOrStdout(), mcpClientConfig{
				MCPServers: map[string]mcpServerEntry{
					"conclave": {Command: exe, Args: []string{"mcp"}, Env: env},
				},
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "check the installation and exit non-zero when not ready")
	return cmd
}

func (a *app) verifyInstall(cmd *cobra.Command) setupReport {
	report := setupReport{Ready: true}
	add := func(name string, err error, okDetail string) {
		c := setupCheck{Name: name, OK: err == nil, Detail: okDetail}
		if err != nil {
			c.Detail = err.Error()
			report.Ready = false
		}
		report.Checks = append(report.Checks, c)
	}

	add("data_path", writable(a.cfg.Storage.DataPath), a.cfg.Storage.DataPath)

	voices := "built-in voices"
	var verr error
	if path := a.cfg.Council.VoicesFile; path != "" {
		var vs []config.VoiceSpec
		if vs, verr = config.LoadVoices(path); verr == nil {
			voices = filepath.Base(path) + ": " + pluralVoices(len(vs))
		}
	}
	add("voices", verr, voices)

	serr := func() error {
		e, err := a.openEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		return e.Close()
	}()
	add("storage", serr, a.cfg.Storage.StorageEngine)

	if a.cfg.Backup.BackupEnabled {
		add("backup_path", writable(a.cfg.Backup.BackupPath), a.cfg.Backup.BackupPath)
	}
	return report
}

// writable reports whether dir exists and accepts new files.
func writable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "%s does not exist", dir)
	}
	if !info.IsDir() {
		return errors.Newf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".conclave-write-test-*")
	if err != nil {
		return errors.Wrapf(err, "%s is not writable", dir)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func pluralVoices(n int) string {
	if n == 1 {
		return "1 voice"
	}
	return fmt.Sprintf("%d voices", n)
}
