// Iothing discovers and claims IoThing devices on the local network.
//
// Devices advertise themselves over DNS-SD as "_iothing._tcp". iothing
// keeps a live list of them while the network is up, claims unconfigured
// devices by assigning a node id, and can expose the list over HTTP and
// WebSocket for other tools.
//
// Usage:
//
//	iothing [command] [flags]
//
// Running without arguments opens the live dashboard (same as "watch").
// See 'iothing --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/app"
	"github.com/sensaura/iothing/internal/config"
	"github.com/sensaura/iothing/internal/logging"
	"github.com/sensaura/iothing/internal/version"
)

func main() {
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Global flags
var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "iothing",
	Short: "IoThing device discovery and provisioning",
	Long: `Discover IoThing devices on the local network and claim them.

Devices advertise the _iothing._tcp DNS-SD service. Discovery runs while
the network is connected and stops when it drops; the device list follows
the advertisements as devices appear, change and leave.

If no command is specified, the live dashboard opens.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd, args)
	},
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default is $XDG_CONFIG_HOME/iothing/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides "+logging.LogLevelEnvVar)

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get())
	},
}

// loadConfig reads the config file named by --config, or the default one.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogging picks the log level from --log-level, then the environment,
// then the config file when useConfig is set. Interactive screens pass
// false so the config level does not draw over them.
func initLogging(cfg *config.Config, useConfig bool) error {
	level := logLevel
	if level == "" && os.Getenv(logging.LogLevelEnvVar) == "" && useConfig && cfg != nil {
		level = cfg.LogLevel
	}
	return logging.Initialize(level)
}

// setup loads the config, initializes logging and wires the application
// context. The returned context is cancelled on SIGINT or SIGTERM.
func setup(useConfigLogLevel bool) (context.Context, context.CancelFunc, *app.Context, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := initLogging(cfg, useConfigLogLevel); err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	log := logging.GetLogger()
	a, err := app.New(ctx, app.Options{
		Config:        cfg,
		ConfigPath:    configPath,
		PersistClaims: true,
		OnFailure: func(err error) {
			log.Warn("Discovery failure", zap.Error(err))
		},
		Logger: log,
	})
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, a, nil
}
