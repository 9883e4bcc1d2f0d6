package cli

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/quarry/internal/config"
)

// DefaultConfig is the configuration used when --config is not given.
const DefaultConfig = "quarry.cue"

// errNoConfig is returned when no configuration was given and there is no
// DefaultConfig in the working directory.
var errNoConfig = &config.LoadError{
	Code:    config.ErrCodeNotFound,
	Message: "no configuration: pass --config or create " + DefaultConfig,
}

// loadConfig loads the configuration named by --config, or DefaultConfig.
// The configuration's log settings replace the startup logger.
func loadConfig(opts *RootOptions, logs io.Writer) (*config.Config, error) {
	path := opts.Config
	if path == "" {
		if _, err := os.Stat(DefaultConfig); errors.Is(err, os.ErrNotExist) {
			return nil, errNoConfig
		}
		path = DefaultConfig
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Log.Configure(logs, opts.Verbose); err != nil {
		return nil, &config.LoadError{Code: config.ErrCodeSchema, Message: err.Error()}
	}
	slog.Debug("configuration loaded", "path", path, "backend", cfg.Backend.Kind, "entities", len(cfg.Entities()))
	return cfg, nil
}
