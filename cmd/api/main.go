package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/agent"
	"github.com/nl2sql/backend/internal/analyzer"
	"github.com/nl2sql/backend/internal/api"
	"github.com/nl2sql/backend/internal/api/handlers"
	"github.com/nl2sql/backend/internal/embedding"
	sqliteexec "github.com/nl2sql/backend/internal/executor/sqlite"
	"github.com/nl2sql/backend/internal/fewshot"
	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/knowledgegraph"
	"github.com/nl2sql/backend/internal/memory"
	"github.com/nl2sql/backend/internal/metrics"
	"github.com/nl2sql/backend/internal/middleware/ratelimit"
	"github.com/nl2sql/backend/internal/middleware/security"
	"github.com/nl2sql/backend/internal/orchestrator"
	"github.com/nl2sql/backend/internal/prompt"
	"github.com/nl2sql/backend/internal/provider/openai"
	"github.com/nl2sql/backend/internal/raglearner"
	"github.com/nl2sql/backend/pkg/config"
	appLogger "github.com/nl2sql/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting nl2sql conversational analytics server")

	metrics.Init()

	store, err := knowledge.NewStore(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create knowledge store", zap.Error(err))
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}
	if err := store.LoadDicts(context.Background()); err != nil {
		appLogger.Warn("Failed to load dictionaries at startup", zap.Error(err))
	}

	kgClient, err := knowledgegraph.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password)
	if err != nil {
		appLogger.Warn("Failed to create knowledge graph client, continuing without it", zap.Error(err))
		kgClient = nil
	} else {
		defer kgClient.Close(context.Background())
	}

	index, err := embedding.NewIndex(cfg.Milvus.Endpoint, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim)
	if err != nil {
		appLogger.Warn("Failed to create vector index client, continuing without it", zap.Error(err))
		index = nil
	} else {
		defer index.Close()
		if err := index.EnsureCollection(context.Background()); err != nil {
			appLogger.Warn("Failed to ensure vector collection", zap.Error(err))
		}
	}

	memStore, err := memory.NewStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 256)
	if err != nil {
		appLogger.Warn("Failed to create session memory store, continuing without it", zap.Error(err))
		memStore = nil
	} else {
		defer memStore.Close()
	}

	llmClient := openai.New(openai.Options{
		APIKey:         cfg.LLM.APIKey,
		Endpoint:       cfg.LLM.Endpoint,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.Embedder.Model,
		EmbeddingDim:   cfg.Embedder.Dim,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		TimeoutSec:     cfg.LLM.TimeoutSec,
	})

	queryExecutor, err := sqliteexec.New(cfg.SQLite.AnalyticsPath)
	if err != nil {
		appLogger.Fatal("Failed to open analytics database", zap.Error(err))
	}
	defer queryExecutor.Close()

	an := analyzer.New(store, llmClient, analyzer.Config{
		RewriteCacheSize: cfg.Agent.RewriteCacheSize,
		TableSelectFloor: cfg.Agent.TableSelectFloor,
	})
	an.SetKnowledgeGraph(kgClient)

	if schema, err := queryExecutor.LoadSchema(context.Background()); err != nil {
		appLogger.Warn("Failed to load warehouse schema", zap.Error(err))
	} else {
		an.LoadSchema(schema)
	}

	selector := fewshot.New(store, index, llmClient, memStore, fewshot.Config{
		MinComposite: cfg.Agent.RAGMinComposite,
		MinQuality:   cfg.Agent.RAGMinQuality,
		Limit:        cfg.Agent.FewShotLimit,
	})

	composer := prompt.New(store, cfg.Agent.PromptCacheSize)

	perms := agent.NewPermissionManager()
	artifacts := agent.NewArtifactStore(cfg.Server.ArtifactDir)
	loop := agent.NewLoop(llmClient, queryExecutor, perms, artifacts, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		DeadlineSec:   cfg.Agent.DeadlineSec,
	})

	orch := orchestrator.New(store, an, selector, composer, loop, memStore, orchestrator.Config{
		BufferSize: cfg.Stream.BufferSize,
	})

	learner := raglearner.New(store, index, llmClient)
	if err := learner.StartEvictionSweep("@daily"); err != nil {
		appLogger.Warn("Failed to start rag learner eviction sweep", zap.Error(err))
	}
	defer learner.StopEvictionSweep()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	api.Register(app, api.Handlers{
		Stream:       handlers.NewStreamHandler(orch, store),
		Conversation: handlers.NewConversationHandler(store),
		Feedback:     handlers.NewFeedbackHandler(store, learner),
		Knowledge:    handlers.NewKnowledgeHandler(store),
		Memory:       handlers.NewMemoryHandler(memStore, store),
	}, limiter, security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	_ = app.Shutdown()
	appLogger.Info("Server stopped")
}
