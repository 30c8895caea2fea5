// Command posed runs the pose tracking service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-pose/internal/config"
	"github.com/e7canasta/orion-pose/internal/core"
	"github.com/e7canasta/orion-pose/internal/logging"
)

const defaultConfigPath = "config/posed.yaml"

var (
	logLevelFlag string
	prettyFlag   bool

	configFlag  string
	envFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "posed",
	Short: "Real-time body pose tracking",
	Long: `posed reads frames from an RTSP camera, runs a pose estimation model on the
most recent one, filters the decoded joints over a short window and publishes
them over MQTT and Kafka.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevelFlag, prettyFlag)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracking service until interrupted",
	Example: `  posed run --config config/posed.yaml
  posed run --env-file .env --log-level debug --pretty`,
	RunE: runService,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (default $POSED_LOG_LEVEL or info)")
	rootCmd.PersistentFlags().BoolVar(&prettyFlag, "pretty", false, "Human readable console logs on stderr")

	runCmd.Flags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Path to configuration file")
	runCmd.Flags().StringVar(&envFileFlag, "env-file", "", "Optional .env file loaded before the configuration")

	rootCmd.AddCommand(runCmd, decodeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, args []string) error {
	if envFileFlag != "" {
		if err := godotenv.Load(envFileFlag); err != nil {
			return err
		}
		log.Info().Str("env_file", envFileFlag).Msg("environment loaded")
	}

	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFlag).
		Str("version", version).
		Str("instance_id", cfg.InstanceID).
		Msg("starting posed service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	posed, err := core.New(cfg)
	if err != nil {
		return err
	}

	if err := posed.StartHealthServer(cfg.Health.Port); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- posed.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr == nil {
			log.Info().Msg("service stopped (via MQTT shutdown command)")
		}
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("service error")
	}

	shutdownTimeout := posed.ShutdownTimeout()
	log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := posed.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
		return err
	}

	log.Info().Msg("posed service stopped successfully")
	return runErr
}
