package commands

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/scrypster/conclave/internal/api/mcp"
	"github.com/scrypster/conclave/internal/attribution"
	"github.com/scrypster/conclave/internal/engine"
	"github.com/scrypster/conclave/pkg/types"
)

// withTools opens a short-lived engine and hands fn the same typed
// operations the MCP server exposes.
func (a *app) withTools(cmd *cobra.Command, fn func(e *engine.Engine, t *mcp.Server) error) error {
	return a.withEngine(cmd, func(e *engine.Engine) error {
		return fn(e, mcp.NewServer(e, mcp.WithLogger(a.log), mcp.WithVersion(version)))
	})
}

func parseFactID(s string) (types.FactID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || n == 0 {
		return 0, errors.Wrapf(types.ErrValidation, "fact id %q must be a positive integer", s)
	}
	return types.FactID(n), nil
}

func (a *app) submitCmd() *cobra.Command {
	var args mcp.SubmitFactArgs
	var supersedes string
	cmd := &cobra.Command{
		Use:   "submit [body...]",
		Short: "Record a fact",
		Example: `  conclave submit --source zendesk --kind incident --subject Acme \
    --severity high "Checkout returns 502 for EU customers"`,
		RunE: func(cmd *cobra.Command, rest []string) error {
			if len(rest) > 0 {
				args.Body = strings.Join(rest, " ")
			}
			if supersedes != "" {
				id, err := parseFactID(supersedes)
				if err != nil {
					return err
				}
				args.Supersedes = id
			}
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				res, err := t.SubmitFact(cmd.Context(), args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&args.Source, "source", attribution.DetectSource(), "originating system (env CONCLAVE_SOURCE)")
	f.StringVar(&args.Kind, "kind", "", "observation, incident, or decision (required)")
	f.StringVar(&args.Body, "body", "", "fact text (or pass it as arguments)")
	f.StringVar(&args.SubjectHint, "subject", "", "entity names the fact is about, comma separated")
	f.StringVar(&args.EntityKind, "entity-kind", "", "kind for newly created entities: customer or project")
	f.StringVar(&args.Timestamp, "timestamp", "", "RFC-3339 event time (default now)")
	f.StringSliceVar(&args.Tags, "tag", nil, "tag (repeatable or comma separated)")
	f.StringVar(&args.Severity, "severity", "", "incident severity: low, medium, high, critical")
	f.StringVar(&args.Rationale, "rationale", "", "decision rationale")
	f.StringVar(&supersedes, "supersedes", "", "ID of the fact this one replaces")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (a *app) supersedeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supersede <old-id> <replacement-id>",
		Short: "Mark a fact as replaced by a newer one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := parseFactID(args[0])
			if err != nil {
				return err
			}
			repl, err := parseFactID(args[1])
			if err != nil {
				return err
			}
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				res, err := t.SupersedeFact(cmd.Context(), mcp.SupersedeFactArgs{Old: old, Replacement: repl})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <fact-id>",
		Short: "Show one fact and its replacement, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFactID(args[0])
			if err != nil {
				return err
			}
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				res, err := t.GetFact(cmd.Context(), mcp.GetFactArgs{ID: id})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}
