package main

import (
	"github.com/spf13/cobra"

	"github.com/copyleftdev/parzen/internal/logging"
)

var (
	logLevel  string
	logFormat string
	logger    *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "parzenctl",
	Short: "Run hyperparameter studies with tree-structured Parzen estimators",
	Long: `parzenctl minimizes registered objectives over a search space described
in a YAML or JSON study file, using TPE, random or grid search.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.NewLogger(&logging.Config{
			Level:  logLevel,
			Format: logFormat,
			Output: "stderr",
		})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
}
