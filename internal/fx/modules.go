package fx

import (
	"ratings-tracker/internal/api"
	"ratings-tracker/internal/config"
	"ratings-tracker/internal/database"
	"ratings-tracker/internal/logger"
	"ratings-tracker/internal/merge"
	"ratings-tracker/internal/metrics"
	"ratings-tracker/internal/refresh"
	"ratings-tracker/internal/repository"
	"ratings-tracker/internal/server"
	"ratings-tracker/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func ProvideRecorder(reg *prometheus.Registry) metrics.Recorder {
	return metrics.NewPrometheus(reg, "ratings")
}

func ProvideEngine(
	repo *repository.RecordRepository,
	source *api.ShowdownClient,
	cfg *config.Config,
	recorder metrics.Recorder,
	logger zerolog.Logger,
) *refresh.Engine {
	return refresh.NewEngine(
		repo,
		source,
		merge.NewPolicy(cfg.Bounds.Min, cfg.Bounds.Max),
		refresh.OptionsFromConfig(cfg),
		logger,
		refresh.WithMetrics(recorder),
	)
}

var Module = fx.Options(
	fx.Provide(config.Load),
	fx.Provide(logger.New),
	fx.Invoke(config.LogLoaded),
	fx.Provide(database.New),
	// repos
	fx.Provide(repository.NewRecordRepository),
	// api client
	fx.Provide(api.NewShowdownClient),
)

// ServerModule adds the user-facing HTTP surface.
var ServerModule = fx.Options(
	fx.Provide(service.NewUserService),
	fx.Provide(server.NewUserServer),
)

// RefreshModule adds the background refresh engine and its metrics.
var RefreshModule = fx.Options(
	fx.Provide(ProvideRegistry),
	fx.Provide(ProvideRecorder),
	fx.Provide(ProvideEngine),
)
