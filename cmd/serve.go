package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/hyro/internal/config"
	"github.com/conneroisu/hyro/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Serve the template directory",
	Long: `Serve every template in the template directory at its endpoint.

In development mode (the default) templates are watched, and edits reach
open browsers over the reload channel without losing form state.

Examples:
  hyro serve                         # Serve ./templates on localhost:1380
  hyro serve --port 3000 --open      # Serve on another port and open a browser
  hyro serve --stylesheet main.css   # Also serve and watch a stylesheet
  hyro serve --dev=false             # Release mode, no watcher or client`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.IntP("port", "p", config.DefaultPort, "Port to serve on")
	f.String("host", config.DefaultHost, "Host to bind to")
	f.Bool("open", false, "Open a browser once serving")
	f.Bool("dev", true, "Development mode with hot reload")
	f.String("stylesheet", "", "Stylesheet to serve and watch")
	f.String("hmr-path", config.DefaultHMRPath, "Route of the reload channel")
	serveFlagKeys.bind(f)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
