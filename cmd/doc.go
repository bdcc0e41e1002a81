// Package cmd provides the command-line interface for hyro.
//
// # Available Commands
//
//   - serve: Serve the template tree, with hot reload in development mode
//   - check: Load and validate every template, failing on the first broken tree
//   - config: Print the effective configuration as YAML
//   - version: Show build information
//
// # Command Examples
//
//	// Start the development server on another port
//	hyro serve --port 3000 --open
//
//	// Serve in release mode from a custom directory
//	hyro serve --dev=false --templates ./views
//
//	// Validate templates in CI
//	hyro check --templates ./views
//
// # Configuration
//
// Every command reads .hyro.yml from the working directory, HYRO_CONFIG_FILE
// or --config. Environment variables use the HYRO_ prefix with sections
// joined by underscores, e.g. HYRO_SERVER_PORT or HYRO_DEVELOPMENT_ENABLED.
// Flags override both.
package cmd
