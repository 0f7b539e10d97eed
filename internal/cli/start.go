package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/daemon"
	"github.com/clipflow/clipflow/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the clipflow daemon",
	Long: `Start the clipflow daemon in the foreground.
It serves session and websocket endpoints until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return nil
}
