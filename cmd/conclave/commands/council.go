package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/conclave/internal/api/mcp"
	"github.com/scrypster/conclave/internal/engine"
)

func (a *app) askCmd() *cobra.Command {
	var args mcp.AskCouncilArgs
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Convene the council on a question",
		Long: `Convene the council on a question and print the session: every voice's
opinion, the recommendation and the disagreement score. When every voice
abstains the failed session is still printed and the command fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, rest []string) error {
			args.Question = strings.Join(rest, " ")
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				sess, err := t.AskCouncil(cmd.Context(), args)
				if sess != nil {
					if perr := printJSON(cmd.OutOrStdout(), sess); perr != nil && err == nil {
						err = perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&args.Scope, "scope", "", "entity whose history leads the context")
	cmd.Flags().BoolVar(&args.RecordDecision, "record", false, "append the recommendation as a decision fact")
	return cmd
}

func (a *app) sessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List council sessions, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				if len(args) == 1 {
					sess, err := e.Store().Session(args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), sess)
				}
				return printJSON(cmd.OutOrStdout(), e.Store().Sessions(limit))
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max sessions, newest first")
	return cmd
}
