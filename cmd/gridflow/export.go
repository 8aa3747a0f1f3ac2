package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/gridflow/internal/export"
	"github.com/rendis/gridflow/pkg/schema"
)

var (
	exportOut    string
	exportTables []string
	exportOpts   export.Options
	importSheet  string
)

var exportCmd = &cobra.Command{
	Use:   "export <workspace-id>",
	Short: "Export tables to an XLSX workbook",
	Long: `Write the tables of a workspace to an XLSX workbook, one sheet per table,
with values as they are displayed.

Examples:
  gridflow export ws-1 -o leads.xlsx
  gridflow export ws-1 -o raw.xlsx --table tbl-1 --raw --errors`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sess, err := a.service.Open(ctx, args[0])
			if err != nil {
				return err
			}
			tables, err := selectTables(ctx, sess.Tables, exportTables)
			if err != nil {
				return err
			}

			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			if err := export.Write(ctx, f, sess, tables, exportOpts); err != nil {
				f.Close()
				os.Remove(exportOut)
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d table(s) to %s\n", len(tables), exportOut)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <workspace-id> <file.xlsx>",
	Short: "Import a sheet as a new table of field columns",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sess, err := a.service.Open(ctx, args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := export.Import(ctx, sess, f, importSheet)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

// selectTables returns the workspace's tables in position order, or only
// the requested ones in the requested order.
func selectTables(ctx context.Context, list func(context.Context) ([]*schema.Table, error), ids []string) ([]*schema.Table, error) {
	all, err := list(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return all, nil
	}
	byID := make(map[string]*schema.Table, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	out := make([]*schema.Table, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "table %s is not in this workspace", id)
		}
		out = append(out, t)
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd)
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "gridflow.xlsx", "output file")
	exportCmd.Flags().StringSliceVar(&exportTables, "table", nil, "export only these table IDs")
	exportCmd.Flags().BoolVar(&exportOpts.Raw, "raw", false, "write unformatted values")
	exportCmd.Flags().BoolVar(&exportOpts.Errors, "errors", false, `write failed cells as "#ERROR: <message>"`)
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "sheet to import (default: the first)")
}
