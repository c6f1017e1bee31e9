package main

import (
	"fmt"
	"os"

	"github.com/ayusman/fingerspell/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "fingerspell",
	Short:        "Fingerspelling recognition from a live camera",
	SilenceUsage: true, // don't print usage on operational errors
	Long: `Fingerspell reads camera frames, extracts hand landmarks and classifies
them into letters of the fingerspelling alphabet. Data lives under ~/.fingerspell/.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

// loadConfig reads --config, falling back to <data dir>/config.yaml when it exists.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		candidate := config.DefaultDataDir() + string(os.PathSeparator) + "config.yaml"
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
