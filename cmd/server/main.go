package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"portal-bridge/internal/config"
	"portal-bridge/internal/errors"
	"portal-bridge/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

// Flags that override configuration keys when set on the command line.
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"log-json":      "log.json",
	"listen":        "gateway.listen_addr",
	"health-listen": "health.listen_addr",
	"public-url":    "gateway.public_url",
	"invitation":    "channel.invitation",
	"channel-url":   "channel.url",
	"audit-db":      "audit.path",
}

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge between a web portal and the push network",
	Long: `bridge accepts job submissions over HTTP, forwards them to the push network over a
persistent authenticated channel and serves job state for polling.

Available commands:
  serve          - Run the bridge
  config         - Print the effective configuration
  invite inspect - Validate and describe an invitation file
  version        - Show version information

Examples:
  bridge serve --config bridge.yaml
  BRIDGE_CHANNEL_INVITATION=/etc/bridge/invitation.toml bridge serve
  bridge invite inspect invitation.toml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded
		if _, err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", cfgFile)
		}
	}
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	return config.LoadWithViper(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "failed to bind --%s", name)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
