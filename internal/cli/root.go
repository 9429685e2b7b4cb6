// Package cli holds the gpsclient commands.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nuha.dev/gpsclient/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	v          *viper.Viper
}

// load resolves the configuration and applies its logging section.
func (o *RootOptions) load() (*config.Config, error) {
	c, err := config.Load(o.v, o.ConfigFile)
	if err != nil {
		return nil, err
	}
	config.SetupLogging(&c.Log)
	return c, nil
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: config.NewViper()}

	cmd := &cobra.Command{
		Use:           "gpsclient",
		Short:         "Store-and-forward GPS position reporter",
		Long:          "Queues position fixes locally and delivers them in order to an OsmAnd-compatible tracking server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "config file (yaml, json or toml)")
	flags.String("endpoint", "", "tracking server base address")
	flags.String("device-id", "", "device identifier")
	flags.String("store-driver", "", "queue store driver (bolt|sqlite|postgres|memory)")
	flags.String("store-path", "", "queue file for the bolt and sqlite drivers")
	flags.String("store-url", "", "postgres connection url")
	flags.String("log-level", "", "log level (trace|debug|info|warn|error)")
	for key, flag := range map[string]string{
		"server_endpoint": "endpoint",
		"device_id":       "device-id",
		"store.driver":    "store-driver",
		"store.path":      "store-path",
		"store.url":       "store-url",
		"log.level":       "log-level",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	return cmd
}
