package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"pdfchat/internal/ai"
	"pdfchat/internal/app"
	"pdfchat/internal/cache"
	"pdfchat/internal/chunker"
	"pdfchat/internal/config"
	"pdfchat/internal/embedder"
	"pdfchat/internal/model"
	"pdfchat/internal/pkg/tokencount"
	postgresClient "pdfchat/internal/platform/postgres"
	rabbitmqClient "pdfchat/internal/platform/rabbitmq"
	redisClient "pdfchat/internal/platform/redis"
	"pdfchat/internal/repository"
	"pdfchat/internal/retriever"
	"pdfchat/internal/vectorstore/pgvector"
	"pdfchat/internal/worker"
)

type App struct {
	Config  *config.Config
	Log     *slog.Logger
	DB      *gorm.DB
	Redis   *redis.Client
	MQConn  *amqp.Connection
	Vectors *pgvector.Store

	Auth      *app.AuthService
	Documents *app.DocumentService
	Ingest    *app.IngestService
	Chat      *app.ChatService

	inline *app.InlineQueue
	worker *worker.IngestWorker
	cancel context.CancelFunc

	StartedAt time.Time
}

// New opens every backing service and wires the application services.
// With ingest.inline set no broker is dialled and uploads are ingested
// in-process.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := NewLogger(cfg.App)
	slog.SetDefault(log)

	a := &App{Config: cfg, Log: log, StartedAt: time.Now()}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.wire()
	log.Info("application ready",
		"env", cfg.App.Env,
		"embedding_model", cfg.Embedding.Model,
		"embedding_dimension", cfg.Embedding.Dimension,
		"inline_ingest", cfg.Ingest.Inline,
	)
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	db, err := postgresClient.New(ctx, cfg.PostgresDSN(), cfg.App.LogLevel == "debug")
	if err != nil {
		return err
	}
	a.DB = db
	if err := db.WithContext(ctx).AutoMigrate(
		&model.User{},
		&model.Tag{},
		&model.Document{},
		&model.ChatSession{},
		&model.Message{},
	); err != nil {
		return fmt.Errorf("auto migrate tables failed: %w", err)
	}

	vectors, err := pgvector.New(ctx, cfg.PostgresDSN(), cfg.Embedding.Dimension, a.Log.With("component", "vectorstore"))
	if err != nil {
		return err
	}
	a.Vectors = vectors
	if err := vectors.EnsureSchema(ctx); err != nil {
		return err
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	a.Redis = redisCli

	if cfg.Ingest.Inline {
		return nil
	}
	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.IngestQueue)
	if err != nil {
		return err
	}
	a.MQConn = mqConn
	return nil
}

func (a *App) wire() {
	cfg := a.Config
	spec := model.EmbeddingSpec{Model: cfg.Embedding.Model, Dimension: cfg.Embedding.Dimension}

	userRepo := repository.NewUserRepository(a.DB)
	tagRepo := repository.NewTagRepository(a.DB)
	docRepo := repository.NewDocumentRepository(a.DB)
	sessionRepo := repository.NewChatSessionRepository(a.DB)
	messageRepo := repository.NewMessageRepository(a.DB)

	historyCache := cache.NewHistoryCache(a.Redis,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	progress := cache.NewProgressTracker(a.Redis, time.Duration(cfg.Redis.ProgressTTLSeconds)*time.Second)

	client := ai.NewOpenAICompatibleClient(time.Duration(cfg.LLM.TimeoutSeconds) * time.Second)
	embeddingModel := client.EmbeddingModel(ai.EmbeddingConfig{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimension,
	})
	chatModel := client.ChatModel(ai.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})

	a.Auth = app.NewAuthService(userRepo, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute)
	a.Documents = app.NewDocumentService(docRepo, tagRepo, a.Vectors, progress, a.Log.With("component", "documents"))

	ret := retriever.New(a.Vectors, docRepo, embeddingModel, retriever.Config{
		Spec:            spec,
		TopK:            cfg.Retrieval.TopK,
		MaxContextChars: cfg.Retrieval.MaxContextChars,
		MaxQueryChars:   cfg.Retrieval.MaxQueryChars,
		CallTimeout:     cfg.Embedding.CallTimeout(),
	}, a.Log.With("component", "retriever"))
	a.Chat = app.NewChatService(sessionRepo, messageRepo, docRepo, historyCache, ret, chatModel, app.ChatConfig{
		MaxContextMessages: cfg.LLM.MaxContextMessage,
		MaxQueryChars:      cfg.Retrieval.MaxQueryChars,
		GenerateTimeout:    time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}, a.Log.With("component", "chat"))

	// Both were validated with the config, so construction cannot fail here.
	splitter, _ := chunker.New(
		chunker.WithTargetSize(cfg.Chunking.TargetSize),
		chunker.WithOverlap(cfg.Chunking.Overlap),
		chunker.WithTolerance(tolerance(cfg.Chunking)),
	)
	emb, _ := embedder.New(embeddingModel, embedder.Config{
		Dimension:         cfg.Embedding.Dimension,
		BatchSize:         cfg.Embedding.BatchSize,
		Workers:           cfg.Embedding.Workers,
		MaxAttempts:       cfg.Embedding.MaxAttempts,
		InitialBackoff:    cfg.Embedding.InitialBackoff(),
		MaxBackoff:        cfg.Embedding.MaxBackoff(),
		CallTimeout:       cfg.Embedding.CallTimeout(),
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	}, a.Log.With("component", "embedder"))

	a.Ingest = app.NewIngestService(docRepo, tagRepo, a.Vectors, splitter, emb, progress, app.IngestConfig{
		Spec:           spec,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		CountTokens:    tokencount.New().Count,
		StaleAfter:     cfg.Ingest.StaleAfter(),
	}, a.Log.With("component", "ingest"))

	if a.MQConn != nil {
		a.Ingest.SetQueue(rabbitmqClient.NewJobPublisher(a.MQConn, cfg.RabbitMQ.IngestQueue))
		return
	}
	inlineCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.inline = app.NewInlineQueue(inlineCtx, a.Ingest, a.Log.With("component", "inline_queue"))
	a.Ingest.SetQueue(a.inline)
}

func tolerance(c config.ChunkingConfig) int {
	if c.Tolerance > 0 {
		return c.Tolerance
	}
	return -1
}

// StartWorker consumes ingest jobs from the broker until Close.
func (a *App) StartWorker(ctx context.Context) error {
	if a.MQConn == nil {
		return errors.New("ingest worker needs rabbitmq, ingest.inline is set")
	}
	w := worker.NewIngestWorker(a.MQConn, a.Ingest, a.Config.RabbitMQ.IngestQueue, a.Config.Ingest.Concurrency, a.Log)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start ingest worker failed: %w", err)
	}
	a.worker = w
	return nil
}

// HealthChecks returns a ping per backing service.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"postgres": func(ctx context.Context) error { return postgresClient.Ping(ctx, a.DB) },
		"pgvector": func(ctx context.Context) error { return a.Vectors.Ping(ctx) },
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}
	if a.MQConn != nil {
		checks["rabbitmq"] = func(context.Context) error { return rabbitmqClient.Ping(a.MQConn) }
	}
	return checks
}

func (a *App) Close() error {
	var errs []error
	if a.worker != nil {
		a.worker.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.inline != nil {
		a.inline.Wait()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		errs = append(errs, a.MQConn.Close())
	}
	if a.Vectors != nil {
		a.Vectors.Close()
	}
	if a.DB != nil {
		errs = append(errs, postgresClient.Close(a.DB))
	}
	return errors.Join(errs...)
}
