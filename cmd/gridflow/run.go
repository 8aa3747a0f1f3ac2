package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/pkg/schema"
)

var (
	runRows    []string
	runSandbox bool
)

var runCmd = &cobra.Command{
	Use:   "run <workspace-id> <table-id> [column-id]",
	Short: "Run a column, or every executable column of a table",
	Long: `Run one executable column, or all executable columns of a table in
position order, and print the run summaries as JSON.

Examples:
  gridflow run ws-1 tbl-1              # run every executable column
  gridflow run ws-1 tbl-1 col-9        # run one column
  gridflow run ws-1 tbl-1 col-9 --rows r1,r2
  gridflow run ws-1 tbl-1 --sandbox    # preview with mock values, nothing stored`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sess, err := a.service.Open(ctx, args[0])
			if err != nil {
				return err
			}
			sess.SetSandbox(runSandbox)

			var runs []*schema.Run
			if len(args) == 3 {
				run, err := sess.RunColumn(ctx, engine.RunRequest{
					TableID:  args[1],
					ColumnID: args[2],
					RowIDs:   runRows,
					Trigger:  schema.RunTriggerManual,
				})
				if err != nil {
					return err
				}
				runs = append(runs, run)
			} else {
				if runs, err = sess.RunAll(ctx, args[1]); err != nil {
					return err
				}
			}

			progress, err := sess.Progress(ctx, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"sandbox":  runSandbox,
				"runs":     runs,
				"progress": progress,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSliceVar(&runRows, "rows", nil, "restrict a column run to these row IDs")
	runCmd.Flags().BoolVar(&runSandbox, "sandbox", false, "run with mock values without storing them")
}
