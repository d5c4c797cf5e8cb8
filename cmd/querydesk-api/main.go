package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querydesk/querydesk/internal/api"
	"github.com/querydesk/querydesk/internal/assistant"
	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/config"
	"github.com/querydesk/querydesk/internal/export"
	"github.com/querydesk/querydesk/internal/history"
	historypostgres "github.com/querydesk/querydesk/internal/history/postgres"
	"github.com/querydesk/querydesk/internal/nl2sql"
	"github.com/querydesk/querydesk/internal/observability"
	querysqldb "github.com/querydesk/querydesk/internal/query/sqldb"
	"github.com/querydesk/querydesk/internal/schema"
	schemadb "github.com/querydesk/querydesk/internal/schema/sqldb"
	s3store "github.com/querydesk/querydesk/internal/storage/s3"
)

const memoryHistoryCapacity = 500

func main() {
	cfg, err := config.LoadFromEnv("querydesk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	checks := []api.ReadinessCheck{}

	connectDefaults := schemadb.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	connect := assistant.OpenConnection(querysqldb.Options{
		Timeout:         cfg.Database.QueryTimeout,
		DefaultRowLimit: cfg.Database.DefaultRowLimit,
		MaxRowLimit:     cfg.Database.MaxRowLimit,
	})
	assistantCfg := assistant.Config{
		Inspector:       schema.NewInspector(logger),
		Connect:         connect,
		ConnectDefaults: connectDefaults,
		Context:         nl2sql.NewHistory(cfg.AI.HistorySize),
		Logger:          logger,
	}

	database, engine, err := connect(context.Background(), connectDefaults)
	switch {
	case errors.Is(err, schema.ErrConnectionNotConfigured):
		logger.Warn("no database configured; schema and query routes return 503 until PUT /v1/database")
	case err != nil:
		logger.Error("failed to open database", slog.String("driver", cfg.Database.Driver), slog.Any("error", err))
		os.Exit(1)
	default:
		logger.Info("connected to database", slog.String("database", database.DatabaseID()))
		assistantCfg.Database = database
		assistantCfg.Engine = engine
	}

	if cfg.AI.Enabled {
		client, err := nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
			BaseURL:            cfg.AI.BaseURL,
			APIKey:             cfg.AI.APIKey,
			Model:              cfg.AI.Model,
			Temperature:        cfg.AI.Temperature,
			SummaryTemperature: cfg.AI.SummaryTemperature,
			Timeout:            cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize query translator", slog.Any("error", err))
			os.Exit(1)
		}
		assistantCfg.Translator = client
		assistantCfg.Summarizer = client
	}

	var historyStore history.Store
	if cfg.History.Enabled {
		historyDB, err := historypostgres.Open(context.Background(), cfg.History)
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()
		if target, err := historypostgres.Describe(cfg.History.DSN); err == nil {
			logger.Info("history store ready", slog.String("history_db", target))
		}
		repo := historypostgres.NewRepository(historyDB)
		historyStore = repo
		checks = append(checks, api.CheckPing("history", repo.HealthCheck))
	} else {
		historyStore = history.NewMemoryStore(memoryHistoryCapacity)
	}
	assistantCfg.History = historyStore

	deps := api.Dependencies{
		Logger:            logger,
		DependencyTimeout: 2 * time.Second,
		History:           historyStore,
	}

	if cfg.Export.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.Export.Endpoint,
			Region:           cfg.Export.Region,
			Bucket:           cfg.Export.Bucket,
			AccessKeyID:      cfg.Export.AccessKeyID,
			SecretAccessKey:  cfg.Export.SecretAccessKey,
			UseSSL:           cfg.Export.UseSSL,
			Prefix:           cfg.Export.Prefix,
			AutoCreateBucket: cfg.Export.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize export store", slog.Any("error", err))
			os.Exit(1)
		}
		exporter := export.NewExporter(objectStore, logger)
		assistantCfg.Exporter = exporter
		deps.Exports = exporter
	}

	svc := assistant.New(assistantCfg)
	defer func() { _ = svc.Close() }()
	deps.Assistant = svc
	checks = append(checks, api.CheckPing("database", func(ctx context.Context) error {
		if !svc.DatabaseConfigured() {
			return nil
		}
		return svc.Ping(ctx)
	}))
	deps.Readiness = api.CombineReadinessChecks(checks...)

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
