package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rendis/gridflow/pkg/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the grid tools over MCP on stdio",
	Long: `Serve the grid tools (grid.run, grid.status, grid.set_cell, grid.sandbox,
grid.autorun, grid.query) to an MCP client on stdin/stdout. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			srv := mcp.NewGridServer(mcp.GridServerDeps{
				Service: a.service,
				Store:   a.store,
				Hub:     a.hub,
				Logger:  a.logger,
			})
			a.logger.Info("serving MCP on stdio", "db_path", a.config.DBPath)
			return srv.Serve(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
