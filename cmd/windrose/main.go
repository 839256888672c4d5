// Package main provides the Windrose sync engine service.
//
// Windrose pulls data out of configured sources through the connector
// protocol and lands it in the medallion layers, on schedules driven by the
// source catalog.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/windrose-io/windrose/internal/catalog"
	"github.com/windrose-io/windrose/internal/config"
	"github.com/windrose-io/windrose/internal/connector"
	"github.com/windrose-io/windrose/internal/connector/filesource"
	"github.com/windrose-io/windrose/internal/lineage"
	"github.com/windrose-io/windrose/internal/pipeline"
	"github.com/windrose-io/windrose/internal/profile"
	"github.com/windrose-io/windrose/internal/scheduler"
	"github.com/windrose-io/windrose/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "windrose"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Windrose sync engine",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	// The state store adopts its file backend on its own if the database
	// degrades mid-run.
	stateStore, err := storage.NewStateStore(ctx, dbConn, nil)
	if err != nil {
		logger.Error("Failed to initialize state store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sources, err := loadSources(logger)
	if err != nil {
		logger.Error("Failed to load source catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := connector.NewRegistry()
	if err := registerConnectors(registry, sources, logger); err != nil {
		logger.Error("Failed to register connectors", slog.String("error", err.Error()))
		os.Exit(1)
	}

	emitter := buildEmitter(logger)
	defer func() {
		_ = emitter.Close()
	}()

	orchestrator, err := buildOrchestrator(registry, dbConn, stateStore, emitter, logger)
	if err != nil {
		logger.Error("Failed to initialize sync pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sched := buildScheduler(orchestrator, sources, dbConn, logger)

	registerSchedules(sched, sources, logger)

	logger.Info("Scheduler starting",
		slog.Int("sources", len(sources.Sources)),
		slog.Any("connectors", registry.Names()),
	)

	sched.Start(ctx)

	logger.Info("Windrose sync engine stopped")
}

// loadSources reads the source catalog, resolving secret references when a
// master key is configured.
func loadSources(logger *slog.Logger) (*catalog.Catalog, error) {
	path := config.GetEnvStr("WINDROSE_SOURCES_PATH", "sources.yaml")

	secretsPath := config.GetEnvStr("WINDROSE_SECRETS_PATH", "secrets.enc")

	secrets, err := catalog.NewSecretStore(secretsPath, "")
	if err != nil {
		if !errors.Is(err, catalog.ErrMasterKeyMissing) {
			return nil, err
		}

		logger.Info("No master key configured, secret:// references disabled")

		secrets = nil
	}

	sources, err := catalog.Load(path, catalog.NewResolver(secrets))
	if err != nil {
		return nil, err
	}

	if len(sources.Sources) == 0 {
		logger.Warn("Source catalog is empty, nothing will be scheduled",
			slog.String("path", path),
		)
	}

	return sources, nil
}

// registerConnectors populates the registry: the built-in file source plus a
// subprocess wrapper per catalog source that declares a command.
func registerConnectors(registry *connector.Registry, sources *catalog.Catalog, logger *slog.Logger) error {
	if err := registry.Register(filesource.Name, filesource.New()); err != nil {
		return err
	}

	for _, source := range sources.Sources {
		if len(source.Command) == 0 {
			continue
		}

		if _, ok := registry.Lookup(source.Connector); ok {
			continue
		}

		if err := registry.Register(source.Connector, connector.NewSubprocess(source.Command[0])); err != nil {
			return err
		}

		logger.Info("Registered subprocess connector",
			slog.String("connector", source.Connector),
			slog.String("binary", source.Command[0]),
		)
	}

	return nil
}

// buildEmitter selects the lineage sink: Kafka when brokers are configured,
// HTTP when an endpoint is, the log otherwise.
func buildEmitter(logger *slog.Logger) lineage.Emitter {
	if brokers := config.ParseCommaSeparatedList(config.GetEnvStr("LINEAGE_KAFKA_BROKERS", "")); len(brokers) > 0 {
		topic := config.GetEnvStr("LINEAGE_KAFKA_TOPIC", "windrose.lineage")

		logger.Info("Lineage events publishing to Kafka",
			slog.Any("brokers", brokers),
			slog.String("topic", topic),
		)

		return lineage.NewKafkaEmitter(brokers, topic)
	}

	if endpoint := config.GetEnvStr("LINEAGE_HTTP_URL", ""); endpoint != "" {
		logger.Info("Lineage events posting over HTTP", slog.String("endpoint", endpoint))

		return lineage.NewHTTPEmitter(endpoint)
	}

	logger.Info("Lineage events going to the log")

	return lineage.NewLogEmitter(logger)
}

func buildOrchestrator(
	registry *connector.Registry,
	dbConn *storage.Connection,
	stateStore *storage.StateStore,
	emitter lineage.Emitter,
	logger *slog.Logger,
) (*pipeline.Orchestrator, error) {
	raw, err := storage.NewRawWriter(dbConn)
	if err != nil {
		return nil, err
	}

	validated, err := storage.NewValidatedWriter(dbConn)
	if err != nil {
		return nil, err
	}

	business, err := storage.NewBusinessWriter(dbConn)
	if err != nil {
		return nil, err
	}

	return pipeline.NewOrchestrator(registry, raw, validated, business, stateStore,
		pipeline.WithPIIDetector(profile.NewRegexDetector()),
		pipeline.WithQualityValidator(profile.NewValidator()),
		pipeline.WithLineageEmitter(emitter),
		pipeline.WithOrchestratorLogger(logger),
	), nil
}

// buildScheduler wires the orchestrator in as the scheduler's executor. The
// sync request for each stream is reconstructed from the catalog definition
// of the job's source.
func buildScheduler(
	orchestrator *pipeline.Orchestrator,
	sources *catalog.Catalog,
	dbConn *storage.Connection,
	logger *slog.Logger,
) *scheduler.Scheduler {
	definitions := make(map[string]catalog.SourceDefinition, len(sources.Sources))
	for _, source := range sources.Sources {
		definitions[source.ID] = source
	}

	executor := func(ctx context.Context, job *scheduler.SyncJob, stream string) (int64, error) {
		definition, ok := definitions[job.SourceID]
		if !ok {
			return 0, errors.New("source not in catalog: " + job.SourceID)
		}

		result := orchestrator.ExecuteFullSync(ctx, pipeline.SyncRequest{
			SourceID:    definition.ID,
			SourceName:  definition.Name,
			Connector:   definition.Connector,
			Config:      definition.Config,
			Stream:      stream,
			SyncMode:    job.SyncMode,
			NaturalKey:  definition.NaturalKey,
			CursorField: definition.CursorField,
		})

		return int64(result.RecordsSynced), result.Err
	}

	opts := []scheduler.SchedulerOption{scheduler.WithSchedulerLogger(logger)}

	if history, err := storage.NewHistoryStore(dbConn); err == nil {
		opts = append(opts, scheduler.WithHistoryStore(history))
	} else {
		logger.Warn("Run history disabled", slog.String("error", err.Error()))
	}

	return scheduler.NewScheduler(executor, opts...)
}

func registerSchedules(sched *scheduler.Scheduler, sources *catalog.Catalog, logger *slog.Logger) {
	for _, source := range sources.Sources {
		if source.Schedule == "" {
			continue
		}

		schedule, err := sched.CreateSchedule(source.ID, source.Name, source.Streams, source.SyncMode, source.Schedule)
		if err != nil {
			logger.Error("Failed to register schedule",
				slog.String("source_id", source.ID),
				slog.String("cron", source.Schedule),
				slog.String("error", err.Error()),
			)

			continue
		}

		attrs := []any{
			slog.String("source_id", source.ID),
			slog.String("cron", source.Schedule),
		}
		if schedule.NextRunAt != nil {
			attrs = append(attrs, slog.Time("next_run_at", *schedule.NextRunAt))
		}

		logger.Info("Schedule registered", attrs...)
	}
}
