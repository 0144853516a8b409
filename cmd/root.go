package cmd

import (
	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "xigrab",
		Short: "xigrab - X input extension grab and delivery core",
		Long: `xigrab runs the event selection, grab and delivery core of the X input
extension as a standalone server. Clients connect over a Unix socket, select
events on windows, take active and passive grabs, and receive the events the
server routes to them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.config/xigrab/xigrab.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	viper.BindPFlag("logging.log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig loads the config file and applies its log level.
func initConfig() error {
	if configPath != "" {
		config.SetConfigPath(configPath)
	}
	if err := config.Init(); err != nil {
		return err
	}
	if lvl := config.Get().Logging.LogLevel; lvl != "" {
		logger.SetLevel(lvl)
	}
	return nil
}

