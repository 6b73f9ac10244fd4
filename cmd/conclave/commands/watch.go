package commands

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/notify"
)

// watchLine is one line of `conclave watch` output.
type watchLine struct {
	Type string    `json:"type"`
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream store events written by other conclave processes",
		Long: `Print one JSON line per event file in the data directory's events/
folder until interrupted. Event files are consumed: each event reaches
exactly one watcher.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			w := notify.NewEventWatcher(a.cfg.Storage.DataPath, a.log, func(ev notify.Event) {
				mu.Lock()
				defer mu.Unlock()
				line := watchLine{Type: ev.Type, ID: ev.ID, Time: time.Unix(0, ev.Time).UTC()}
				if err := enc.Encode(line); err != nil {
					a.log.Warn("write event failed", zap.Error(err))
				}
			})
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			<-cmd.Context().Done()
			return nil
		},
	}
}
