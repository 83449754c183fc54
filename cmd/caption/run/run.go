package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cozy-creator/caption-server/internal/app"
	"github.com/cozy-creator/caption-server/internal/config"
	"github.com/cozy-creator/caption-server/internal/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Start the caption server",
	RunE:  runApp,
}

func init() {
	flags := Cmd.Flags()

	flags.Int("port", config.DefaultPort, "Port to run the server on")
	flags.String("host", config.DefaultHost, "Host to run the server on")
	flags.String("environment", config.DefaultEnvironment, "Environment configuration")
	flags.String("public-dir", "", "Path where static files should be served from. Relative paths are relative to the current working directory.")
	flags.Int64("body-limit-mb", config.DefaultBodyLimitMB, "Maximum request body size in megabytes")
	flags.Int64("ws-read-limit-mb", config.DefaultBodyLimitMB, "Maximum inbound WebSocket message size in megabytes")
	flags.Duration("ping-timeout", config.DefaultPingTimeout, "How long to wait for the pong answering the initial ping")

	viper.BindPFlag("port", flags.Lookup("port"))
	viper.BindPFlag("host", flags.Lookup("host"))
	viper.BindPFlag("environment", flags.Lookup("environment"))
	viper.BindPFlag("public_dir", flags.Lookup("public-dir"))
	viper.BindPFlag("body_limit_mb", flags.Lookup("body-limit-mb"))
	viper.BindPFlag("ws_read_limit_mb", flags.Lookup("ws-read-limit-mb"))
	viper.BindPFlag("ping_timeout", flags.Lookup("ping-timeout"))

	bindEnvs()
}

func bindEnvs() {
	// Core settings use the CAPTION_ prefix, e.g. CAPTION_PORT
	viper.BindEnv("port")
	viper.BindEnv("host")
	viper.BindEnv("environment")
	viper.BindEnv("public_dir")
	viper.BindEnv("body_limit_mb")
	viper.BindEnv("ws_read_limit_mb")
	viper.BindEnv("ping_timeout")
	viper.BindEnv("onnxruntime.threads")

	// These do not use the prefix
	viper.BindEnv("hf_token", "HF_TOKEN")
	viper.BindEnv("onnxruntime.library_path", "ONNXRUNTIME_LIB")
}

func runApp(_ *cobra.Command, _ []string) error {
	cfg, err := config.Unmarshal()
	if err != nil {
		return err
	}

	app, err := app.NewApp(cfg, app.WithCaptioner())
	if err != nil {
		return err
	}
	defer app.Close()

	server, err := server.NewServer(cfg, app.Logger)
	if err != nil {
		return err
	}
	server.SetupRoutes(app)

	app.Logger.Info("model selected",
		zap.String("model", app.ModelRef().String()),
		zap.String("variant", config.Variant),
		zap.String("state", string(app.ModelState())),
	)

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start()
	}()

	signalc := make(chan os.Signal, 1)
	signal.Notify(signalc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-signalc:
		// Live sessions watch the app context and close with "going away".
		app.Close()
		return server.Stop(context.Background())
	}
}
