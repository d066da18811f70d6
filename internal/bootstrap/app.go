// Package bootstrap wires every component from configuration. It is the only place that
// constructs long-lived dependencies; everything else receives them explicitly.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"gorm.io/gorm"

	"gopherrag/internal/ai"
	"gopherrag/internal/cache"
	"gopherrag/internal/chat"
	"gopherrag/internal/config"
	"gopherrag/internal/dispatch"
	"gopherrag/internal/events"
	"gopherrag/internal/model"
	mysqlClient "gopherrag/internal/platform/mysql"
	rabbitmqClient "gopherrag/internal/platform/rabbitmq"
	redisClient "gopherrag/internal/platform/redis"
	"gopherrag/internal/pipeline"
	"gopherrag/internal/repository"
	"gopherrag/internal/retry"
	"gopherrag/internal/worker"
)

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *gorm.DB
	Redis    *redis.Client
	MQConn   *amqp.Connection
	Registry *prometheus.Registry

	Entities   *cache.Entities
	Hub        *events.Hub
	Dispatcher *dispatch.Dispatcher
	Blobs      pipeline.BlobStore
	Parsers    *pipeline.ParserRegistry
	Indexes    *pipeline.IndexRegistry
	Ingestion  *worker.IngestionWorker
	Lifecycle  *worker.LifecycleWorker
	Replayer   *worker.PendingQueryReplayer
	Chat       *chat.Orchestrator

	StartedAt time.Time

	relay    *events.Relay
	consumer *events.Consumer
	closeLog func() error
}

// OpenDB opens the relational store and migrates every model.
func OpenDB(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	driver, dsn := cfg.MySQL.Driver, cfg.MySQLDSN()
	if driver == "sqlite" {
		dsn = cfg.MySQL.Path
	}
	db, err := mysqlClient.New(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).AutoMigrate(model.All()...); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}
	return db, nil
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, closeLog := config.SetupLogger(cfg.Log)
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  prometheus.NewRegistry(),
		StartedAt: time.Now(),
		closeLog:  closeLog,
	}
	if err := app.init(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, logger, reg := a.Config, a.Logger, a.Registry
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	a.DB = db

	a.Redis, err = redisClient.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}

	a.Entities = cache.NewEntities(a.Redis, cache.Stores{
		Workspaces: repository.NewWorkspaceRepository(db),
		Documents:  repository.NewDocumentRepository(db),
		Sessions:   repository.NewChatSessionRepository(db),
		Messages:   repository.NewChatMessageRepository(db),
		Settings:   repository.NewSettingRepository(db),
		AppState:   repository.NewAppStateRepository(db),
	}, cache.TTLs{
		AppState: seconds(cfg.Cache.AppStateTTLSeconds),
		Entity:   seconds(cfg.Cache.EntityTTLSeconds),
		Message:  seconds(cfg.Cache.MessageTTLSeconds),
		Config:   seconds(cfg.Cache.ConfigTTLSeconds),
	}, cfg.Cache.Prefix, logger, cache.NewMetrics(reg))

	eventMetrics := events.NewMetrics(reg)
	a.Hub = events.NewHub(logger, eventMetrics)
	var bus events.Publisher = a.Hub
	if cfg.RabbitMQ.Enabled {
		origin := cfg.App.Name + "-" + ulid.Make().String()
		a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, origin)
		if err != nil {
			return err
		}
		a.relay = events.NewRelay(a.MQConn, cfg.RabbitMQ.Exchange, origin, logger, eventMetrics)
		a.consumer = events.NewConsumer(a.MQConn, cfg.RabbitMQ.Exchange, origin, a.Hub, logger)
		if err := a.consumer.Start(context.Background()); err != nil {
			return fmt.Errorf("start event consumer failed: %w", err)
		}
		bus = events.Multi(a.Hub, a.relay)
	}

	a.Dispatcher = dispatch.New(dispatch.Options{
		Workers:   cfg.Dispatcher.Workers,
		QueueSize: cfg.Dispatcher.QueueSize,
		Logger:    logger,
		Metrics:   dispatch.NewMetrics(reg),
	})
	a.Dispatcher.Start(context.Background())

	blobs, err := pipeline.NewLocalBlobStore(cfg.Blob.Dir)
	if err != nil {
		return err
	}
	a.Blobs = blobs
	a.Parsers = pipeline.DefaultParsers()
	chunker, err := pipeline.NewChunker(cfg.Ingestion.Chunker, cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	if err != nil {
		return err
	}

	embedder := ai.NewOpenAIEmbedder(ai.EmbeddingConfig{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.StageTimeout(),
	})
	var chatModel ai.ChatModel = ai.NewOpenAICompatibleClient(ai.ChatConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: seconds(cfg.LLM.TimeoutSeconds),
	})
	if !cfg.LLM.Streaming {
		chatModel = ai.WithoutStreaming(chatModel)
	}

	chunks := repository.NewChunkRepository(db)
	indexes := pipeline.NewIndexRegistry()
	a.Indexes = indexes
	if cfg.Weaviate.Enabled {
		client, err := newWeaviate(cfg.Weaviate)
		if err != nil {
			return err
		}
		indexes.Register(model.RAGTypeVector, pipeline.NewWeaviateIndex(client))
		logger.Info("vector index backend", "backend", "weaviate", "host", cfg.Weaviate.Host)
	} else {
		indexes.Register(model.RAGTypeVector, pipeline.NewSQLIndex(chunks))
		logger.Info("vector index backend", "backend", "sql")
	}

	pending := repository.NewPendingQueryRepository(db)
	workerMetrics := worker.NewMetrics(reg)
	deps := worker.Deps{
		Entities:   a.Entities,
		Chunks:     chunks,
		Pending:    pending,
		Blobs:      blobs,
		Parsers:    a.Parsers,
		Chunker:    chunker,
		Embedder:   embedder,
		Indexes:    indexes,
		Dispatcher: a.Dispatcher,
		Bus:        bus,
		Logger:     logger,
		Metrics:    workerMetrics,
	}
	workerCfg := worker.Config{
		Stage: retry.Policy{
			MaxAttempts:     cfg.Ingestion.StageMaxAttempts,
			InitialInterval: time.Duration(cfg.Ingestion.StageInitialBackoff) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Ingestion.StageMaxBackoff) * time.Millisecond,
		},
		StageTimeout: cfg.StageTimeout(),
	}
	a.Ingestion = worker.NewIngestionWorker(deps, workerCfg)
	a.Lifecycle = worker.NewLifecycleWorker(deps, workerCfg)

	a.Chat = chat.NewOrchestrator(chat.Deps{
		Entities:   a.Entities,
		Pending:    pending,
		Retriever:  pipeline.NewRetriever(embedder, indexes, cfg.Chat.RetrievalTopK),
		Model:      chatModel,
		Registry:   chat.NewRegistry(),
		Dispatcher: a.Dispatcher,
		Bus:        bus,
		Logger:     logger,
		Metrics:    chat.NewMetrics(reg),
	}, chat.Config{
		HistoryLimit:       cfg.Chat.HistoryLimit,
		RelevanceThreshold: cfg.Chat.RelevanceThreshold,
	})

	a.Replayer = worker.NewPendingQueryReplayer(deps, a.Chat, cfg.Chat.PendingMaxAttempts)
	a.Hub.AddListener(a.Replayer.Listen)
	return nil
}

func newWeaviate(cfg config.WeaviateConfig) (*weaviate.Client, error) {
	clientCfg := weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	}
	if cfg.APIKey != "" {
		clientCfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client failed: %w", err)
	}
	return client, nil
}

// Close drains background work, then releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.consumer != nil {
		a.consumer.Close()
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		errs = append(errs, a.MQConn.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		closeDB(a.DB)
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
