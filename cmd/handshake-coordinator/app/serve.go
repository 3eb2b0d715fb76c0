package app

import (
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	coordinatorapp "github.com/stacklok/handshake-coordinator/internal/app"
	"github.com/stacklok/handshake-coordinator/internal/config"
)

const defaultGracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator and its HTTP control plane",
		Long: `Start the coordinator and its HTTP control plane.

The server requires a configuration file (--config or HANDSHAKE_CONFIG) that
specifies the upstream endpoint. Polling, registration, breaker and emergency
settings are optional. The blacklist is reloaded whenever the file changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().Duration("shutdown-timeout", defaultGracefulTimeout, "Maximum time to wait for a graceful shutdown")

	for _, name := range []string{"address", "config", "shutdown-timeout"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", name, err))
		}
	}

	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := v.GetString("config")
	if configPath == "" {
		return fmt.Errorf("a configuration file is required (--config or %s_CONFIG)", config.EnvPrefix)
	}

	manager, err := config.NewManager(configPath)
	if err != nil {
		return err
	}
	cfg := manager.GetConfig()
	slog.Info("Loaded configuration",
		"path", configPath,
		"upstream", cfg.Upstream.Endpoint,
		"blacklist_size", len(cfg.Blacklist))

	app, err := coordinatorapp.NewCoordinatorApp(ctx,
		coordinatorapp.WithConfigManager(manager),
		coordinatorapp.WithAddress(v.GetString("address")),
		coordinatorapp.WithShutdownTimeout(v.GetDuration("shutdown-timeout")),
	)
	if err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	slog.Info("Starting handshake coordinator", "address", v.GetString("address"))
	return app.Run(ctx)
}
