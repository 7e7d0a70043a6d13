package cli

import (
	"github.com/spf13/cobra"

	"github.com/soyeahso/shipbot/internal/config"
	"github.com/soyeahso/shipbot/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shipbot",
		Short: "shipbot: prepaid shipping labels over chat",
		Long:  "shipbot walks chat users through a shipping order, quotes carrier rates, takes payment and delivers the label.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			if err := config.LoadDotenv(paths.Config); err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.shipbot/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newOrdersCmd())
	cmd.AddCommand(newBalanceCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig reads the config file and rebuilds the logger from its
// logging section. The --log-level flag wins over the file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log = logging.NewFormatted(cfg.Logging.Format, level)
	return cfg, nil
}
