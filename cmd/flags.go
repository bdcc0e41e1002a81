package cmd

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps flag names to the configuration keys they override.
type flagKeys map[string]string

// bind ties every flag in keys to its configuration key. A flag only wins
// over files and the environment once it has been set on the command line.
func (k flagKeys) bind(flags *pflag.FlagSet) {
	for name, key := range k {
		if f := flags.Lookup(name); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

var persistentFlagKeys = flagKeys{
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"templates":  "templates.dir",
	"extension":  "templates.extension",
}

var serveFlagKeys = flagKeys{
	"port":       "server.port",
	"host":       "server.host",
	"open":       "server.open",
	"dev":        "development.enabled",
	"stylesheet": "stylesheet.path",
	"hmr-path":   "development.hmr_path",
}
