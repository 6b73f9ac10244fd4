package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/conclave/internal/api/mcp"
	"github.com/scrypster/conclave/internal/engine"
)

func (a *app) searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Full-text search over facts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				res, err := t.SearchFacts(cmd.Context(), mcp.SearchFactsArgs{
					Query: strings.Join(args, " "),
					Limit: limit,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max results (default 20, max 100)")
	return cmd
}

func (a *app) contextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <entity...>",
		Short: "Show an entity's recent facts and open incidents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				res, err := t.CustomerContext(cmd.Context(), mcp.CustomerContextArgs{Name: strings.Join(args, " ")})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func (a *app) themesCmd() *cobra.Command {
	var examples int
	cmd := &cobra.Command{
		Use:   "themes",
		Short: "List themes by fact count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				res, err := t.ListThemes(cmd.Context(), mcp.ListThemesArgs{Examples: examples})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVar(&examples, "examples", 0, "example snippets per theme (default 2)")
	return cmd
}

func (a *app) recentCmd() *cobra.Command {
	var args mcp.RecentFactsArgs
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the newest facts, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				res, err := t.RecentFacts(cmd.Context(), args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&args.N, "limit", "n", 0, "max facts (default 10, max 100)")
	f.StringVar(&args.Kind, "kind", "", "only this fact kind")
	f.StringVar(&args.Source, "source", "", "only this source")
	f.StringVar(&args.Theme, "theme", "", "only facts with this theme")
	f.StringVar(&args.Entity, "entity", "", "only facts about this entity")
	f.StringVar(&args.Since, "since", "", "RFC-3339 lower bound, inclusive")
	f.StringVar(&args.Until, "until", "", "RFC-3339 upper bound, exclusive")
	f.BoolVar(&args.ExcludeSuperseded, "current", false, "hide superseded facts")
	return cmd
}

func (a *app) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show store totals, top themes and at-risk entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return printJSON(cmd.OutOrStdout(), e.Index().Summary())
			})
		},
	}
}
