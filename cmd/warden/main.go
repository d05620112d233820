package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"

	"github.com/wardenhq/warden/internal/admission"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/contract"
	"github.com/wardenhq/warden/internal/engine"
	"github.com/wardenhq/warden/internal/handlers"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/permit"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/queue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()

	if cfg.PermitSecret == "" {
		log.Fatalf("PERMIT_SECRET must be configured; permits cannot be signed without it")
	}

	// Database (optional; memory stores otherwise)
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("connected to postgres")
	}

	// Stores: Postgres-backed when DB present, otherwise in-memory for dev
	var (
		decisions   ledger.Store
		permits     permit.Store
		projections engine.ProjectionStore
		results     engine.ResultStore
	)
	if db != nil {
		decisions = ledger.NewPGStore(db)
		permits = permit.NewPGStore(db)
		engineStore := engine.NewPGStore(db)
		projections = engineStore
		results = engineStore
	} else {
		log.Println("no postgres configured; using in-memory stores (dev only)")
		decisions = ledger.NewMemoryStore()
		permits = permit.NewMemoryStore()
		projections = engine.NewMemoryProjections()
		results = engine.NewMemoryResults()
	}

	// Contracts are loaded once at boot and read-only afterwards.
	var contracts *contract.Registry
	if cfg.ContractDir != "" {
		var err error
		contracts, err = contract.LoadDir(cfg.ContractDir)
		if err != nil {
			log.Fatalf("failed to load contracts from %s: %v", cfg.ContractDir, err)
		}
		log.Printf("loaded %d contracts from %s", len(contracts.All()), cfg.ContractDir)
	} else {
		contracts, _ = contract.NewRegistry(nil)
		log.Println("CONTRACT_DIR not configured; engine will record all triggers as no_contract")
	}

	issuer := permit.NewIssuer([]byte(cfg.PermitSecret), permits, time.Duration(cfg.PermitTTL)*time.Second)

	// Side-effect handler implementations. The physical email and browser
	// adapters are separate services; this process logs the dispatch and
	// reports completion, which keeps the executor flow exercisable without
	// those adapters online.
	registry := engine.NewHandlerRegistry()
	for _, kind := range []engine.HandlerKind{
		engine.HandlerSendEmail,
		engine.HandlerBrowserTask,
		engine.HandlerWebhook,
		engine.HandlerArchiveSnapshot,
	} {
		k := kind
		registry.Register(k, func(ctx context.Context, d ledger.Decision, t contract.Transition) (string, error) {
			log.Printf("[handler.%s] decision=%s trigger=%s target=%s", k, d.ID, t.Trigger, d.Intent.TargetResource)
			return "dispatched", nil
		})
	}

	eng := engine.New(decisions, issuer, contracts, projections, results, registry)

	// Execution pipeline: Kafka when configured, direct dispatch otherwise.
	var (
		enqueuer       queue.Enqueuer
		consumerCancel context.CancelFunc
		producer       *queue.KafkaProducer
	)
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		var err error
		producer, err = queue.NewKafkaProducer(queue.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("failed to initialize kafka producer: %v", err)
		}
		enqueuer = producer
		log.Printf("kafka producer initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaTopic)

		var archiver queue.Archiver
		if cfg.S3Bucket != "" {
			a, err := queue.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				log.Fatalf("failed to initialize s3 archiver: %v", err)
			}
			archiver = a
			log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)
		}

		consumer := queue.NewConsumer(queue.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, eng, decisions, archiver)

		ctxC, cancel := context.WithCancel(context.Background())
		consumerCancel = cancel
		go func() {
			if err := consumer.Run(ctxC); err != nil && err != context.Canceled {
				log.Printf("[queue.consumer] exited with error: %v", err)
			}
		}()
	} else {
		log.Println("kafka not configured; executing decisions in-process")
		enqueuer = queue.NewDirectEnqueuer(eng)
	}

	// Router and middleware
	r := chi.NewRouter()
	if cfg.AuthSecret != "" {
		r.Use(auth.Middleware([]byte(cfg.AuthSecret)))
	} else {
		log.Println("AUTH_SECRET not configured; requests carry no validated claims (dev only)")
	}

	controller := admission.NewController(cfg.GlobalLimit, cfg.TenantLimit)
	r.Use(admission.Middleware(controller))

	handlers.RegisterRoutes(handlers.Deps{
		Store:     decisions,
		Policy:    policy.NewEvaluator(cfg.PolicyVersions),
		Permits:   issuer,
		Engine:    eng,
		Contracts: contracts,
		Enqueuer:  enqueuer,
	}, r)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting warden server on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}

	if consumerCancel != nil {
		consumerCancel()
	}
	if producer != nil {
		_ = producer.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("server stopped")
}
