package schema

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildpulse/crmsync/internal/errors"
	crmschema "github.com/buildpulse/crmsync/internal/schema"
)

// Command groups schema document tooling. Its subcommands need no configuration.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect schema documents",
	}
	cmd.AddCommand(checkCommand(), showCommand())
	return cmd
}

func checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a schema document",
		Long:  "Parse and validate a schema document, or the embedded default when no file is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := crmschema.DefaultDocument()
			if len(args) == 1 {
				var err error
				if data, err = os.ReadFile(args[0]); err != nil {
					return errors.New(err).
						Category(errors.CategoryConfiguration).
						Context("schema_path", args[0]).
						Build()
				}
			}
			doc, err := crmschema.ParseDocument(data)
			if err != nil {
				return err
			}
			printDocument(cmd.OutOrStdout(), doc)
			return nil
		},
	}
}

func showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the embedded default schema document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(crmschema.DefaultDocument())
			return err
		},
	}
}

func printDocument(w io.Writer, doc *crmschema.Document) {
	fmt.Fprintf(w, "schema %s is valid\n", doc.Version)
	for _, objectType := range doc.ObjectOrder {
		sc := doc.Objects[objectType]
		fmt.Fprintf(w, "  %-16s table %-20s %2d fields, %d checks, key %s\n",
			objectType, sc.Table, len(sc.Fields), len(sc.Checks), sc.PrimaryKey().Name)
	}
}
