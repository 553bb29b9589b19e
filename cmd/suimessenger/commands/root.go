package commands

import (
	"github.com/spf13/cobra"

	"suimessenger/pkg/config"
	"suimessenger/pkg/logger"
)

var (
	cfg      *config.Config
	logLevel string
	rt       *runtime
)

// Execute runs the root command
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "suimessenger",
		Short:         "Client runtime for threshold-encrypted messaging",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			level := cfg.Log.Level
			if logLevel != "" {
				level = logLevel
			}
			if err := logger.Init(&logger.Config{
				Level:    level,
				Format:   cfg.Log.Format,
				Output:   cfg.Log.Output,
				FilePath: cfg.Log.FilePath,
			}); err != nil {
				return err
			}
			rt = newRuntime(cfg)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			defer func() { _ = logger.Sync() }()
			if rt != nil {
				return rt.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(hashCmd(), lookupKeyCmd(), blobCmd(), sessionCmd(), demoCmd())
	return root
}
