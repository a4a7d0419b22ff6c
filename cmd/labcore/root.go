package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/barrhawk/labcore/core"
)

const version = "1.0.0"

// rootOptions carries flags shared by every service subcommand.
type rootOptions struct {
	configFile string
	port       int
	bridgeURL  string
	redisURL   string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "labcore",
		Short:         "Tripartite orchestration core services",
		Long:          "labcore runs the services of the orchestration core: the bridge message broker, the doctor planner, igor executors, the frankenstein worker and its supervisor.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file layered over the environment")
	root.PersistentFlags().IntVarP(&opts.port, "port", "p", 0, "HTTP listen port (overrides PORT)")
	root.PersistentFlags().StringVar(&opts.bridgeURL, "bridge-url", "", "bridge websocket endpoint (overrides BRIDGE_URL)")
	root.PersistentFlags().StringVar(&opts.redisURL, "redis-url", "", "redis endpoint for persistent state (overrides REDIS_URL)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newBridgeCmd(opts),
		newDoctorCmd(opts),
		newIgorCmd(opts),
		newFrankCmd(opts),
		newSupervisorCmd(opts),
	)
	return root
}

// loadConfig builds the service configuration from env, file and flags.
func (o *rootOptions) loadConfig(name string) (*core.Config, core.Logger, error) {
	cfg := core.DefaultConfig()
	cfg.Name = name
	if o.configFile != "" {
		if err := core.LoadConfigFile(cfg, o.configFile); err != nil {
			return nil, nil, err
		}
	}
	if o.port > 0 {
		cfg.Port = o.port
	}
	if o.bridgeURL != "" {
		cfg.Bridge.URL = o.bridgeURL
	}
	if o.redisURL != "" {
		cfg.Redis.URL = o.redisURL
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := core.NewProductionLogger(cfg.Logging, name)
	return cfg, logger, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// memoryFor returns the Redis-backed store when configured, the
// in-process store otherwise.
func memoryFor(cfg *core.Config, logger core.Logger) core.Memory {
	if cfg.Redis.URL == "" {
		return core.NewMemoryStore()
	}
	store, err := core.NewRedisStore(cfg.Redis.URL, cfg.Redis.Namespace)
	if err != nil {
		logger.Warn("Redis unavailable, using in-memory store", map[string]interface{}{
			"error": err.Error(),
		})
		return core.NewMemoryStore()
	}
	store.SetLogger(logger)
	return store
}
