package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harrison/looper/internal/config"
)

// environment is the resolved configuration shared by every subcommand.
type environment struct {
	cfg     *config.Config
	home    string
	workDir string
}

// loadEnvironment loads configuration in precedence order: file, then
// LOOPER_* environment variables, then the flags the caller merges in
// afterwards. Relative paths are resolved against the looper home.
func loadEnvironment(cmd *cobra.Command) (*environment, error) {
	workDirFlag, _ := cmd.Flags().GetString("workdir")
	workDir, err := filepath.Abs(workDirFlag)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	info, err := os.Stat(workDir)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working directory %s is not a directory", workDir)
	}

	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(workDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	home, err := config.GetLooperHome(workDir)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, home: home, workDir: workDir}, nil
}

// finalize resolves paths and validates the merged configuration.
func (env *environment) finalize() error {
	env.cfg.ResolvePaths(env.home)
	if err := env.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
