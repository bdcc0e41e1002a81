package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/conneroisu/hyro/internal/config"
	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/engine"
	"github.com/conneroisu/hyro/internal/logging"
	"github.com/conneroisu/hyro/internal/store"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate every template",
	Long: `Load and parse every template under the template directory.

Each broken template is reported with its file and line. The command exits
non-zero when any template fails, which makes it suitable for CI.

Examples:
  hyro check                  # Check ./templates
  hyro check -t views         # Check another directory`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	fs := afero.NewBasePathFs(afero.NewOsFs(), cfg.Templates.Dir)
	return checkTemplates(cmd, fs, endpoint.NewMapper(cfg.Templates.Extension))
}

func checkTemplates(cmd *cobra.Command, fs afero.Fs, mapper endpoint.Mapper) error {
	s := store.New(fs, mapper, engine.NewPongo(fs), logging.Nop())
	out := cmd.OutOrStdout()

	loaded, err := s.Preload(cmd.Context())
	for _, ep := range s.Endpoints() {
		fmt.Fprintf(out, "ok    %s\n", ep)
	}
	if err == nil {
		fmt.Fprintf(out, "%d templates ok\n", loaded)
		return nil
	}

	failures := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		failures = joined.Unwrap()
	}
	for _, failure := range failures {
		fmt.Fprintf(out, "FAIL  %v\n", failure)
	}
	return fmt.Errorf("%d of %d templates failed", len(failures), loaded+len(failures))
}
