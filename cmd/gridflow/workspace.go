package main

import (
	"context"

	"github.com/spf13/cobra"
)

var wsAutoRun bool

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			wss, err := a.service.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, wss)
		})
	},
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sess, err := a.service.Create(ctx, args[0], wsAutoRun)
			if err != nil {
				return err
			}
			ws, err := sess.Workspace(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, ws)
		})
	},
}

var workspaceStatusCmd = &cobra.Command{
	Use:   "status <workspace-id>",
	Short: "Show cell progress per table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sess, err := a.service.Open(ctx, args[0])
			if err != nil {
				return err
			}
			totals, tables, err := sess.WorkspaceProgress(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"workspace_id": sess.ID(),
				"totals":       totals,
				"tables":       tables,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(workspaceCmd)
	workspaceCmd.AddCommand(workspaceListCmd, workspaceCreateCmd, workspaceStatusCmd)
	workspaceCreateCmd.Flags().BoolVar(&wsAutoRun, "auto-run", false, "re-run incomplete cells automatically")
}
