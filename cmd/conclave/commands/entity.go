package commands

import (
	"github.com/spf13/cobra"

	"github.com/scrypster/conclave/internal/api/mcp"
	"github.com/scrypster/conclave/internal/engine"
)

func (a *app) entityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "entity",
		Aliases: []string{"entities"},
		Short:   "List, register, update and merge entities",
	}
	cmd.AddCommand(a.entityListCmd(), a.entityRegisterCmd(), a.entityUpdateCmd(), a.entityMergeCmd())
	return cmd
}

func (a *app) entityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return printJSON(cmd.OutOrStdout(), e.Store().Entities())
			})
		},
	}
}

func (a *app) entityRegisterCmd() *cobra.Command {
	var args mcp.RegisterEntityArgs
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register an entity ahead of any fact about it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, rest []string) error {
			args.Name = rest[0]
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				ent, err := t.RegisterEntity(cmd.Context(), args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ent)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&args.Kind, "kind", "", "customer (default) or project")
	f.StringSliceVar(&args.Aliases, "alias", nil, "alternate name (repeatable)")
	f.StringToStringVar(&args.Attributes, "attr", nil, "attribute key=value (repeatable)")
	return cmd
}

func (a *app) entityUpdateCmd() *cobra.Command {
	var args mcp.UpdateEntityArgs
	cmd := &cobra.Command{
		Use:   "update <entity>",
		Short: "Add aliases or attributes to an entity",
		Long: `Add aliases or attributes to an entity named by ID, name or alias.
An empty attribute value removes the attribute. Setting recent_tickets
without a sentiment grades the entity from the ticket count.`,
		Example: `  conclave entity update Acme --attr recent_tickets=4
  conclave entity update customer:acme --alias "Acme Inc" --attr plan=enterprise`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, rest []string) error {
			args.Entity = rest[0]
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				ent, err := t.UpdateEntity(cmd.Context(), args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ent)
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&args.Aliases, "alias", nil, "alternate name (repeatable)")
	f.StringToStringVar(&args.Attributes, "attr", nil, "attribute key=value (repeatable)")
	return cmd
}

func (a *app) entityMergeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "merge <loser> <survivor>",
		Short: "Fold one entity into another",
		Long: `Fold the first entity into the second. Facts about the loser are
attributed to the survivor and the loser's name becomes a survivor alias.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTools(cmd, func(_ *engine.Engine, t *mcp.Server) error {
				ent, err := t.MergeEntities(cmd.Context(), mcp.MergeEntitiesArgs{
					Loser:    args[0],
					Survivor: args[1],
					Reason:   reason,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ent)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the entities are the same")
	return cmd
}
