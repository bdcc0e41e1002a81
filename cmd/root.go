package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/hyro/internal/config"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "HYRO"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hyro",
	Short: "Serve Jinja templates as htmx fragments with hot reload",
	Long: `hyro serves a directory of Jinja templates as HTML endpoints.

In development mode every edit to a template reaches the open browsers
without a full page reload: changed fragments are fetched again with the
form data they were first rendered with.

Quick Start:
  hyro serve                 Serve ./templates on localhost:1380
  hyro check                 Validate every template
  hyro config                Show the effective configuration`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is .hyro.yml, can also use HYRO_CONFIG_FILE env var)")
	pf.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.StringP("templates", "t", "templates", "template directory")
	pf.String("extension", "html.jinja2", "template file extension")
	persistentFlagKeys.bind(pf)
}

// initConfig points viper at the config file and the environment.
//
// The file is, in order: --config, HYRO_CONFIG_FILE, then .hyro.yml in the
// working directory. A missing file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hyro")
	}

	// HYRO_SERVER_PORT sets server.port.
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := config.BindEnv(viper.GetViper()); err != nil {
		fmt.Fprintln(os.Stderr, "Warning:", err)
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
