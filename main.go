package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"memora/internal/boundary"
	"memora/internal/bus"
	"memora/internal/cluster"
	"memora/internal/config"
	"memora/internal/convbuffer"
	"memora/internal/embeddings"
	"memora/internal/extract"
	"memora/internal/groupqueue"
	"memora/internal/ingest"
	"memora/internal/linkdoc"
	"memora/internal/llm"
	"memora/internal/logging"
	"memora/internal/memory"
	"memora/internal/objectstore"
	"memora/internal/retrieval"
	"memora/internal/stores"
	"memora/internal/telemetry"
	"memora/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	flag.Parse()

	logging.Setup("memora.log")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config_load_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry_setup_failed")
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	// Shared backends.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis_connect_failed")
	}
	defer rdb.Close()

	pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres_connect_failed")
	}
	defer pool.Close()
	if err := stores.EnsureSchema(ctx, pool, cfg.Embeddings.Dimensions); err != nil {
		log.Fatal().Err(err).Msg("schema_setup_failed")
	}

	// Oracles.
	llmClient, err := llm.New(cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("llm_setup_failed")
	}
	embedder := embeddings.NewHTTPEmbedder(cfg.Embeddings)

	// Stores.
	docs := stores.NewPGDocStore(pool)
	textIndex := stores.NewPGTextIndex(pool)
	var vectorIndex stores.VectorIndex
	switch cfg.Vector.Backend {
	case "pgvector":
		vectorIndex = stores.NewPGVectorIndex(pool)
	case "qdrant":
		vectorIndex, err = stores.NewQdrantVectorIndex(ctx, cfg.Vector, cfg.Embeddings.Dimensions)
		if err != nil {
			log.Fatal().Err(err).Msg("qdrant_setup_failed")
		}
	default:
		log.Fatal().Str("backend", cfg.Vector.Backend).Msg("unknown_vector_backend")
	}
	facade := stores.NewFacade(docs, textIndex, vectorIndex)

	// Cluster manager with snapshot persistence.
	var snapshots objectstore.Store
	switch cfg.ObjectStore.Backend {
	case "local":
		snapshots, err = objectstore.NewLocalStore(cfg.ObjectStore.LocalPath)
	case "s3":
		snapshots, err = objectstore.NewS3Store(ctx, cfg.ObjectStore)
	default:
		err = fmt.Errorf("unknown objectstore backend %q", cfg.ObjectStore.Backend)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("objectstore_setup_failed")
	}

	var clusterMgr *cluster.Manager
	if cfg.Cluster.Enabled {
		clusterMgr = cluster.NewManager(cfg.Cluster, embedder, snapshots)
		if err := clusterMgr.Rehydrate(ctx); err != nil {
			log.Warn().Err(err).Msg("cluster_rehydrate_failed")
		}
		clusterMgr.StartSnapshotLoop(ctx)
	}

	// Extraction worker.
	extractor := extract.New(llmClient, cfg.LLM, embedder)
	var clusterer worker.Clusterer
	if clusterMgr != nil {
		clusterer = clusterMgr
	}
	workerSvc := worker.New(cfg.Worker, extractor, facade, docs, clusterer)
	workerSvc.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		workerSvc.Stop(stopCtx)
	}()

	// Cluster assignments feed profile rebuilds asynchronously.
	if clusterMgr != nil && cfg.Worker.EnableProfiles {
		clusterMgr.OnClusterAssignedAsync(func(groupID string, cell *memory.MemCell, clusterID string) {
			rebuildCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			for _, userID := range cell.Participants {
				if err := workerSvc.RebuildProfile(rebuildCtx, groupID, userID); err != nil {
					log.Warn().Err(err).Str("user_id", userID).Msg("profile_rebuild_failed")
				}
			}
		})
	}

	// Ingestion.
	detector := boundary.NewDetector(llmClient, cfg.LLM, cfg.Boundary)
	buffer := convbuffer.New(rdb, "memora:convbuf", cfg.Boundary.BufferMax)
	pipeline := ingest.NewPipeline(docs, buffer, detector, workerSvc, ingest.NewLocker(rdb), cfg.Boundary)

	// Group queue plus the in-process consumer.
	queue, err := groupqueue.NewManager(rdb, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("groupqueue_setup_failed")
	}
	consumer := ingest.NewConsumer(queue, pipeline, cfg.Queue.ScoreThresholdMS)
	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("queue_consumer_stopped")
		}
	}()

	// Optional upstream Kafka feed.
	if cfg.Bus.Enabled {
		busConsumer := bus.NewConsumer(cfg.Bus, queue)
		go func() {
			if err := busConsumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("bus_consumer_stopped")
			}
		}()
	}

	// Retrieval.
	engine := retrieval.NewEngine(textIndex, vectorIndex, docs, embedder, cfg.Retrieval)

	server := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		worker:   workerSvc,
		engine:   engine,
		queue:    queue,
		docs:     docs,
		fetcher:  linkdoc.NewFetcher(),
		llm:      llmClient,
	}

	e := echo.New()
	e.HideBanner = true
	registerRoutes(e, server)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: wrapTraced(e, cfg.OTel.Enabled),
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server_listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server_failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server_shutdown_failed")
	}
	if clusterMgr != nil {
		if err := clusterMgr.Snapshot(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("final_cluster_snapshot_failed")
		}
	}
}
