package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"ratings-tracker/internal/config"
	"ratings-tracker/internal/constants"
	fxmodules "ratings-tracker/internal/fx"
	"ratings-tracker/internal/refresh"
	"ratings-tracker/internal/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		fxmodules.Module,
		fxmodules.RefreshModule,
		fx.Invoke(runUpdater),
	).Run()
}

func runUpdater(
	lc fx.Lifecycle,
	engine *refresh.Engine,
	reg *prometheus.Registry,
	cfg *config.Config,
	db *sql.DB,
	repo *repository.RecordRepository,
	shutdowner fx.Shutdowner,
	logger zerolog.Logger,
) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: constants.RequestTimeout,
	}

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if n, err := repo.Count(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to count tracked users")
			} else {
				logger.Info().Int("tracked_users", n).Msg("tracked users loaded")
			}
			go func() {
				logger.Info().Str("addr", metricsSrv.Addr).Msg("metrics server starting")
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			go superviseEngine(runCtx, engine.Run, shutdowner, done, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info().Msg("stopping refresh engine")
			stop()

			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn().Msg("refresh engine did not stop before deadline")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("metrics server shutdown failed")
			}
			if err := db.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing database connection")
			}
			logger.Info().Msg("updater stopped gracefully")
			return nil
		},
	})
}

// superviseEngine runs the engine and stops the whole app with a non-zero exit code if it
// returns an error. A clean return only happens on shutdown.
func superviseEngine(ctx context.Context, run func(context.Context) error, shutdowner fx.Shutdowner, done chan<- struct{}, logger zerolog.Logger) {
	defer close(done)
	if err := run(ctx); err != nil {
		logger.Error().Err(err).Msg("refresh engine exited")
		if err := shutdowner.Shutdown(fx.ExitCode(1)); err != nil {
			logger.Error().Err(err).Msg("failed to request shutdown")
		}
	}
}
