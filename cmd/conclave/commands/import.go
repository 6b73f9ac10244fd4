package commands

import (
	"github.com/spf13/cobra"

	"github.com/scrypster/conclave/internal/attribution"
	"github.com/scrypster/conclave/internal/engine"
	"github.com/scrypster/conclave/internal/importer"
)

func (a *app) importCmd() *cobra.Command {
	var kind, source string
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Submit every Markdown note in a folder as a fact",
		Long: `Walk a folder of Markdown notes (an Obsidian vault, a wiki export, a
directory of incident write-ups) and submit each note as a fact.

Frontmatter keys kind, source, severity, rationale, entity_kind, tags,
subject/subjects/customer and date fill in the submission. [[Wiki links]]
name the entities a note is about; folder names become tags. Notes seen
before are reported as deduplicated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				res, err := importer.New(e, kind, source, a.log).Import(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "observation", "kind for notes without one in frontmatter")
	cmd.Flags().StringVar(&source, "source", attribution.DetectSource(), "source for notes without one in frontmatter")
	return cmd
}
