package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yogzblr/guacamole-lite/internal/adapters/storage/s3"
	cfgpkg "github.com/yogzblr/guacamole-lite/internal/infrastructure/config"
	"github.com/yogzblr/guacamole-lite/internal/infrastructure/httpapi"
	obs "github.com/yogzblr/guacamole-lite/internal/infrastructure/observability"
	"github.com/yogzblr/guacamole-lite/internal/recording"
	"github.com/yogzblr/guacamole-lite/internal/tunnel"
	"github.com/yogzblr/guacamole-lite/pkg/shared/crypt"
)

func main() {
	cfg := cfgpkg.FromEnv()

	logger := obs.NewLogger(cfg.LogLevel)
	logger.Info().Str("addr", cfg.Addr).Str("guacd", cfg.GuacdAddr).
		Str("version", obs.Version).Msg("starting bastion")

	if len(cfg.SecretKey) != crypt.KeyLength {
		logger.Error().Int("len", len(cfg.SecretKey)).Msg("SECRET_KEY must be exactly 32 characters")
		os.Exit(1)
	}

	metrics := obs.NewMetrics()
	registry := tunnel.NewRegistry()

	var store recording.ObjectStore
	if cfg.S3Bucket != "" {
		st, err := s3.New(s3.Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Error().Err(err).Msg("object storage init failed")
			os.Exit(1)
		}
		store = st
	} else {
		logger.Warn().Msg("object storage not configured, recordings will stay local and fail their jobs")
	}
	recorder := recording.NewRecorder(store, cfg.RecordingGrace, cfg.S3KeyPrefix, *logger, metrics)

	deps := &httpapi.Deps{
		Cfg:      cfg,
		Logger:   logger,
		Metrics:  metrics,
		Registry: registry,
		Recorder: recorder,
	}

	// No global read/write timeouts: tunnels are long-lived and file
	// transfers stream up to 100 GiB through a single request.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	logger.Info().Msg("bastion stopped")
}
