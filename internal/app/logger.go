package app

import (
	"fmt"

	"github.com/solvohq/authcore/pkg/logger"
)

// ConfigureLogging initialises the global logger from configuration.
func ConfigureLogging(cfg LoggingConfig) error {
	if err := logger.Init(cfg.Level, cfg.Format); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	return nil
}
