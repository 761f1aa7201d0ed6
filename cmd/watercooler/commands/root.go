package commands

import (
	"github.com/spf13/cobra"

	"github.com/lct-cooler/watercooler-controller/internal/config"
	"github.com/lct-cooler/watercooler-controller/internal/logger"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

var (
	configPath string
	debugMode  bool
	logDir     string

	log    *logger.CustomLogger
	cfgMgr *config.Manager
	cfg    types.AppConfig
)

func Execute() error {
	root := &cobra.Command{
		Use:          "watercooler",
		Short:        "Bluetooth watercooling controller",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logger.NewCustomLogger(debugMode, logDir)
			if err != nil {
				return err
			}
			log = l
			log.CleanOldLogs()

			m, err := config.NewManager(configPath, log)
			if err != nil {
				return err
			}
			cfgMgr = m
			cfg, err = cfgMgr.Load()
			if err != nil {
				return err
			}
			if cfg.DebugMode && !debugMode {
				log.SetDebugMode(true)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.watercooler.json)")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&logDir, "log-dir", "", "log directory (default user cache dir)")

	root.AddCommand(runCmd(), scanCmd(), setCmd())
	return root.Execute()
}
