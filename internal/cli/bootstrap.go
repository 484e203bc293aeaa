package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/relaymux/relaymux/internal/config"
	log "github.com/relaymux/relaymux/internal/logging"
)

const defaultConfigFile = "config.yaml"

// BootstrapResult is the loaded configuration plus the path it came
// from, which the watcher needs.
type BootstrapResult struct {
	Config         *config.Config
	ConfigFilePath string
}

// Bootstrap loads .env overrides and the config file. A missing config
// file is not an error; the built-in defaults apply.
func Bootstrap(configPath string) (*BootstrapResult, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = defaultConfigFile
	}
	if !filepath.IsAbs(configPath) {
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		return nil, err
	}
	return &BootstrapResult{Config: cfg, ConfigFilePath: configPath}, nil
}
