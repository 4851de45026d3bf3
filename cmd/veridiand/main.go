// veridiand runs the ingestion control plane: the worker pool, the job
// scheduler, and the progress broker, over whichever storage backends the
// config selects. `veridiand regenerate` runs the embedding backfill sweep
// and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"veridian/internal/artifact"
	"veridian/internal/broker"
	"veridian/internal/config"
	"veridian/internal/controlapi"
	"veridian/internal/epoch"
	"veridian/internal/job"
	"veridian/internal/observability"
	"veridian/internal/persistence"
	"veridian/internal/persistence/relational"
	"veridian/internal/provider"
	"veridian/internal/queue"
	"veridian/internal/scheduler"
	"veridian/internal/sourceembed"
	"veridian/internal/upsert"
)

func main() {
	configPath := flag.String("config", "veridian.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)
	if raw, err := json.Marshal(cfg); err == nil {
		log.Debug().RawJSON("config", observability.RedactJSON(raw)).Msg("config_loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args()); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("veridiand_exit")
	}
}

func run(ctx context.Context, cfg config.Config, args []string) error {
	metrics, otelShutdown, err := observability.Init(observability.ServiceInfo{Name: "veridiand"})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	embedder, extractor, err := provider.New(cfg.Provider)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}

	mgr, err := persistence.NewManager(ctx, backendsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer mgr.Close()

	counter, err := newCounter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init graph epoch counter: %w", err)
	}

	embeds := sourceembed.New(mgr.Graph, mgr.SourceEmbeds, mgr.Vectors, embedder, cfg.Chunking.SentenceMaxLen)

	if len(args) > 0 && args[0] == "regenerate" {
		return runRegenerate(ctx, embeds, args[1:])
	}

	engine := upsert.NewEngine(mgr.Graph, mgr.Vectors, embedder, extractor, counter,
		cfg.Matcher, cfg.Jobs.VocabularyAllowed, 3)
	artifacts := artifact.New(mgr.Artifacts, mgr.Objects, counter, 0)

	var dedupe job.DedupeCache
	if cfg.Storage.RedisAddr != "" {
		cache, err := job.NewRedisDedupeCache(cfg.Storage.RedisAddr)
		if err != nil {
			log.Warn().Err(err).Msg("redis_dedupe_unavailable")
		} else {
			dedupe = cache
			defer cache.Close()
		}
	}
	jobs := job.NewManager(mgr.Jobs, dedupe)
	jobs.SetApprovalTTL(cfg.Jobs.ApprovalTTL())
	events := broker.New(mgr.Jobs)

	ingest := &queue.IngestWorker{
		Engine: engine, Embeds: embeds, Objects: mgr.Objects,
		Extractor: extractor, Chunking: cfg.Chunking,
	}
	workers := map[relational.JobKind]queue.Worker{
		relational.JobKindIngestText:      ingest,
		relational.JobKindIngestFile:      ingest,
		relational.JobKindIngestImage:     ingest,
		relational.JobKindRegenerateEmbed: &queue.RegenerateWorker{Embeds: embeds},
		relational.JobKindAnalysis:        &queue.AnalysisWorker{Graph: mgr.Graph, Artifacts: artifacts},
		relational.JobKindRestore:         &queue.RestoreWorker{Graph: mgr.Graph, Embeds: embeds, Objects: mgr.Objects},
	}
	pool := queue.NewPool(mgr.Jobs, jobs, events, workers, cfg.Jobs.WorkerCount, cfg.Jobs.PollInterval())
	pool.SetMetrics(metrics)

	var notify controlapi.Notifier
	if len(cfg.Jobs.KafkaBrokers) > 0 && cfg.Jobs.KafkaWakeupTopic != "" {
		pub := queue.NewWakePublisher(cfg.Jobs.KafkaBrokers, cfg.Jobs.KafkaWakeupTopic)
		defer pub.Close()
		notify = pub
		queue.StartWakeConsumer(ctx, cfg.Jobs.KafkaBrokers, cfg.Jobs.KafkaWakeupTopic, pool.WorkerID(), pool)
	}

	var sink scheduler.StatsSink
	if cfg.Storage.ClickHouseDSN != "" {
		ch, err := scheduler.NewClickHouseSink(ctx, cfg.Storage.ClickHouseDSN)
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse_sink_unavailable")
		} else {
			sink = ch
			defer ch.Close()
		}
	}
	sched := scheduler.New(mgr.Jobs, pool, sink, scheduler.Options{
		Interval:        cfg.Jobs.SchedulerInterval(),
		StallThreshold:  cfg.Jobs.StalledAfter(),
		RetentionWindow: cfg.Jobs.RetentionWindow(),
		RetryBudget:     cfg.Jobs.OrphanRetryBudget,
	})
	sched.SetArtifactAudit(artifacts.AuditOrphans)

	// The facade an HTTP/CLI/tool transport would call through. veridiand
	// itself only keeps it alive for embedding into those outer layers.
	_ = controlapi.NewService(jobs, events, pool, artifacts, mgr.Graph, mgr.Vectors,
		embedder, mgr.SourceEmbeds, mgr.Objects, counter, notify)

	log.Info().
		Str("worker_id", pool.WorkerID()).
		Int("workers", cfg.Jobs.WorkerCount).
		Str("provider", cfg.Provider.Kind).
		Msg("veridiand_start")

	errCh := make(chan error, 2)
	go func() { errCh <- pool.Run(ctx) }()
	go func() { errCh <- sched.Run(ctx) }()
	return <-errCh
}

func runRegenerate(ctx context.Context, embeds *sourceembed.Worker, args []string) error {
	fs := flag.NewFlagSet("regenerate", flag.ExitOnError)
	all := fs.Bool("all", false, "sweep every source")
	ontology := fs.String("ontology", "", "sweep one ontology")
	source := fs.String("source", "", "re-embed one source id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	n, err := embeds.Regenerate(ctx, sourceembed.Selector{All: *all, Ontology: *ontology, SourceID: *source},
		func(done, total int, sourceID string) {
			log.Info().Int("done", done).Int("total", total).Str("source_id", sourceID).Msg("regenerate_progress")
		}, nil)
	if err != nil {
		return err
	}
	log.Info().Int("sources", n).Msg("regenerate_complete")
	return nil
}

func newCounter(ctx context.Context, cfg config.Config) (epoch.Counter, error) {
	if cfg.Storage.RedisAddr == "" {
		return epoch.NewMemory(), nil
	}
	return epoch.NewRedis(ctx, cfg.Storage.RedisAddr, "", 0)
}

func backendsFromConfig(cfg config.Config) persistence.Backends {
	b := persistence.Backends{
		PostgresDSN: cfg.Storage.PostgresDSN,
		Neo4jURI:    cfg.Storage.Neo4jURI,
		Neo4jUser:   cfg.Storage.Neo4jUser,
		Neo4jPass:   cfg.Storage.Neo4jPassword,
		QdrantAddr:  cfg.Storage.QdrantAddr,
		VectorDims:  cfg.Provider.EmbeddingDims,
		S3Bucket:    cfg.Storage.S3Bucket,
		S3Endpoint:  cfg.Storage.S3Endpoint,
	}
	if cfg.Storage.Neo4jURI != "" {
		b.Graph = "neo4j"
	} else if cfg.Storage.PostgresDSN != "" {
		b.Graph = "postgres"
	}
	if cfg.Storage.QdrantAddr != "" {
		b.Vector = "qdrant"
	}
	if cfg.Storage.PostgresDSN != "" {
		b.Relational = "postgres"
	}
	if cfg.Storage.S3Bucket != "" {
		b.Objects = "s3"
	}
	return b
}
