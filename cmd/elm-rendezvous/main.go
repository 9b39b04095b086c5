package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/elmops/elm/internal/config"
	"github.com/elmops/elm/internal/logging"
	"github.com/elmops/elm/internal/rendezvous"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "elm-rendezvous",
		Short: "Signaling board for WebRTC meeting peers",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("rendezvous.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allow-origins", defaults.GetStringSlice("rendezvous.allow_origins"), "Origins allowed by CORS")
	cmd.PersistentFlags().Duration("ttl", defaults.GetDuration("rendezvous.ttl"), "How long offers and answers are kept")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "rendezvous.address", "http-address")
	bindFlag(cmd, "rendezvous.allow_origins", "allow-origins")
	bindFlag(cmd, "rendezvous.ttl", "ttl")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	handler := rendezvous.NewHTTPHandler(rendezvous.Dependencies{
		Board:        rendezvous.NewBoard(appConfig.BoardTTL, time.Now),
		Logger:       logger,
		AllowOrigins: appConfig.AllowOrigins,
	})

	httpServer := &http.Server{
		Addr:              appConfig.RendezvousAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rendezvous starting", zap.String("address", appConfig.RendezvousAddress), zap.Duration("ttl", appConfig.BoardTTL))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
