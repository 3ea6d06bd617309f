// Package commands implements the odc command line interface.
package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/marmos91/odc/internal/logger"
	"github.com/marmos91/odc/pkg/config"
	"github.com/marmos91/odc/pkg/metrics"
)

// Version information, set by main from build-time variables.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "odc",
	Short: "Online Device Controller",
	Long: `odc drives the lifecycle of distributed device topologies:
resource allocation, topology activation, aggregate state transitions and
device property management, with fault tolerance for expendable tasks and
collection quorums.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("odc %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(shellCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads the configuration, initialises the logger and, when
// enabled, serves the metrics endpoint.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info("serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	return cfg, nil
}
