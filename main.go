package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/activities"
	"github.com/verity-labs/dossier/internal/circuitbreaker"
	"github.com/verity-labs/dossier/internal/citations"
	"github.com/verity-labs/dossier/internal/config"
	"github.com/verity-labs/dossier/internal/contradict"
	"github.com/verity-labs/dossier/internal/db"
	"github.com/verity-labs/dossier/internal/docstore"
	"github.com/verity-labs/dossier/internal/embeddings"
	"github.com/verity-labs/dossier/internal/graphdb"
	"github.com/verity-labs/dossier/internal/health"
	"github.com/verity-labs/dossier/internal/httpapi"
	"github.com/verity-labs/dossier/internal/llm"
	_ "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/planner"
	"github.com/verity-labs/dossier/internal/ratecontrol"
	"github.com/verity-labs/dossier/internal/retrieval"
	"github.com/verity-labs/dossier/internal/semantic"
	"github.com/verity-labs/dossier/internal/streaming"
	dtemporal "github.com/verity-labs/dossier/internal/temporal"
	"github.com/verity-labs/dossier/internal/tracing"
	"github.com/verity-labs/dossier/internal/workflows"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfgMgr, err := config.Load(os.Getenv("CONFIG_PATH"), logger)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	cfg := cfgMgr.Get()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("tracing init failed, continuing without", zap.Error(err))
	}

	// stores
	docs, err := docstore.Open(cfg.DocStore, logger)
	if err != nil {
		logger.Fatal("docstore open failed", zap.Error(err))
	}
	defer docs.Close()

	audit, err := db.Open(cfg.AuditStore, logger)
	if err != nil {
		logger.Fatal("audit store open failed", zap.Error(err))
	}
	defer audit.Close()

	graph, err := graphdb.Open(cfg.Graph, logger)
	if err != nil {
		logger.Fatal("graph index open failed", zap.Error(err))
	}
	defer graph.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, logger)

	// specialists
	model := llm.NewClient(cfg.Model, logger)
	embedder := embeddings.NewService(cfg.Embeddings, embeddings.NewRedisCacheFromWrapper(redisWrapper))
	semanticIndex := semantic.NewClient(cfg.Semantic, logger)
	keywordIndex := retrieval.NewKeywordIndex(docs, redisWrapper, logger)
	retriever := retrieval.NewRetriever(embedder, semanticIndex, graph, keywordIndex, cfg.Retrieval, logger)
	cfgMgr.OnChange(func(c config.Config) {
		retriever.SetConfig(c.Retrieval)
	})
	registries := citations.NewManager(docs, logger)
	limits := ratecontrol.NewFromFile(os.Getenv("BACKENDS_CONFIG_PATH"), logger)
	events := streaming.NewManager(cfg.Streaming.RingCapacity)
	mirror := streaming.NewRedisMirror(redisClient, cfg.Streaming.MirrorTTL, logger)

	acts := activities.New(activities.Deps{
		Planner:    planner.New(model, cfg.Planner, logger),
		Retriever:  retriever,
		LocatorCfg: cfg.Locator,
		Detector:   contradict.New(logger),
		Registries: registries,
		Model:      model,
		DocStore:   docs,
		AuditStore: audit,
		Limits:     limits,
		Events:     events,
		Mirror:     mirror,
		Logger:     logger,
	})

	// temporal worker
	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    dtemporal.NewZapAdapter(logger),
	})
	if err != nil {
		logger.Fatal("temporal dial failed", zap.Error(err))
	}
	defer tc.Close()

	w := worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.DossierWorkflow)
	w.RegisterActivity(acts)

	if err := w.Start(); err != nil {
		logger.Fatal("worker start failed", zap.Error(err))
	}
	defer w.Stop()

	// health and metrics
	hm := health.NewManager(logger)
	hm.Register(health.NewStoreChecker("docstore", docs, true))
	hm.Register(health.NewStoreChecker("audit_store", audit, true))
	hm.Register(health.NewStoreChecker("graph_index", graph, false))
	hm.Register(health.NewRedisChecker(redisClient))
	hm.Register(health.NewHTTPChecker("model_service", cfg.Model.BaseURL+"/health", true))
	hm.Register(health.NewHTTPChecker("embeddings", cfg.Embeddings.BaseURL+"/health", false))
	if cfg.Semantic.Enabled {
		hm.Register(health.NewHTTPChecker("semantic_index",
			fmt.Sprintf("http://%s:%d/healthz", cfg.Semantic.Host, cfg.Semantic.Port), false))
	}

	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.HealthPort),
		Handler: health.Handler(hm),
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// query API
	mux := http.NewServeMux()
	httpapi.NewServer(tc, audit, events, mirror, cfg.Temporal.TaskQueue, logger).Routes(mux)
	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler: mux,
	}
	go func() {
		logger.Info("query api listening", zap.Int("port", cfg.Service.HTTPPort))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
