package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/listpilot/internal/account"
	"github.com/ignite/listpilot/internal/archive"
	"github.com/ignite/listpilot/internal/beehiiv"
	"github.com/ignite/listpilot/internal/billing"
	"github.com/ignite/listpilot/internal/config"
	"github.com/ignite/listpilot/internal/connection"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/crypto"
	"github.com/ignite/listpilot/internal/jobs"
	"github.com/ignite/listpilot/internal/kit"
	"github.com/ignite/listpilot/internal/mailchimp"
	"github.com/ignite/listpilot/internal/oauthtoken"
	"github.com/ignite/listpilot/internal/pkg/httputil"
	"github.com/ignite/listpilot/internal/subscriber"
	"github.com/ignite/listpilot/internal/syncer"
)

func main() {
	log.Println("Starting ListPilot worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	// Redis (optional; scheduler falls back to advisory locks without it)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable, falling back to advisory locks: %v", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
	}

	// Secrets at rest
	encryption, err := crypto.New(cfg.Encryption.KeyHex)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}

	// Provider connectors
	registry := connector.NewRegistry()
	registry.Register(beehiiv.NewClient(beehiiv.Config{
		BaseURL:        cfg.Beehiiv.BaseURL,
		TimeoutSeconds: cfg.Beehiiv.TimeoutSeconds,
	}))
	registry.Register(mailchimp.NewClient(mailchimp.Config{
		ClientID:       cfg.Mailchimp.ClientID,
		ClientSecret:   cfg.Mailchimp.ClientSecret,
		TimeoutSeconds: cfg.Mailchimp.TimeoutSeconds,
	}))
	registry.Register(kit.NewClient(kit.Config{
		ClientID:       cfg.Kit.ClientID,
		ClientSecret:   cfg.Kit.ClientSecret,
		TimeoutSeconds: cfg.Kit.TimeoutSeconds,
	}))

	// Repositories and services
	connRepo := connection.NewRepository(db)
	subRepo := subscriber.NewRepository(db)
	historyRepo := syncer.NewHistoryRepository(db)
	usageRepo := billing.NewUsageRepository(db)
	subsStore := billing.NewSubscriptionStore(db)
	stateStore := oauthtoken.NewStateStore(db)

	tokenSvc := oauthtoken.NewService(connRepo, registry, encryption,
		map[connector.Provider]oauthtoken.ClientCredentials{
			connector.ProviderMailchimp: {ClientID: cfg.Mailchimp.ClientID, ClientSecret: cfg.Mailchimp.ClientSecret},
			connector.ProviderKit:       {ClientID: cfg.Kit.ClientID, ClientSecret: cfg.Kit.ClientSecret},
		})

	var recorder billing.UsageRecorder
	if cfg.Billing.StripeAPIKey != "" {
		recorder = billing.NewStripeRecorder(cfg.Billing.StripeAPIKey)
		log.Println("Stripe metering enabled")
	} else {
		log.Println("Stripe metering disabled (no api key)")
	}
	billingSvc := billing.NewService(usageRepo, historyRepo, subsStore, recorder)

	queue := jobs.NewQueue(db)
	engine := syncer.NewEngine(syncer.EngineDeps{
		Connections:   connRepo,
		Subscribers:   subRepo,
		History:       historyRepo,
		Registry:      registry,
		Encryption:    encryption,
		Tokens:        tokenSvc,
		Queue:         queue,
		Billing:       billingSvc,
		Subscriptions: billingSvc,
		MaxAttempts:   cfg.Jobs.MaxSyncAttempts,
	})

	var archiver *archive.Archiver
	if cfg.Archive.Enabled && cfg.Archive.S3Bucket != "" {
		archiver, err = archive.New(context.Background(), cfg.Archive.S3Bucket, cfg.Archive.S3Region)
		if err != nil {
			log.Fatalf("Failed to initialize archive: %v", err)
		}
		log.Printf("Deletion audit archive enabled (bucket=%s)", cfg.Archive.S3Bucket)
	}
	var deletionArchiver account.DeletionArchiver
	if archiver != nil {
		deletionArchiver = archiver
	}
	deletionSvc := account.NewDeletionService(db, deletionArchiver,
		time.Duration(cfg.Deletion.GracePeriodDays)*24*time.Hour)

	refreshWindow, err := time.ParseDuration(cfg.Jobs.TokenRefreshWindow)
	if err != nil {
		log.Fatalf("Invalid token_refresh_window: %v", err)
	}

	// Handlers
	pool := jobs.NewWorkerPool(queue, jobs.WorkerPoolConfig{
		NumWorkers: cfg.Jobs.NumWorkers,
		BatchSize:  cfg.Jobs.BatchSize,
	})
	pool.Register(jobs.TypeSyncPublication, engine.HandleSyncJob)
	pool.Register(jobs.TypeSyncAll, engine.HandleSyncAllJob)
	pool.Register(jobs.TypeTokenRefresh, func(ctx context.Context, _ *jobs.Job) error {
		_, err := tokenSvc.RefreshExpiring(ctx, refreshWindow)
		return err
	})
	pool.Register(jobs.TypeStateCleanup, func(ctx context.Context, _ *jobs.Job) error {
		_, err := stateStore.DeleteExpired(ctx)
		return err
	})
	pool.Register(jobs.TypeMonthlyBilling, billingSvc.HandleMonthlyBillingJob)
	pool.Register(jobs.TypeAccountDeletion, deletionSvc.HandleDeletionJob)
	// Sync jobs that die mid-flight must give the sync guard back, or the
	// connection stays "syncing" forever.
	pool.SetDeadLetterHook(engine.ReleaseAbandonedSync)

	// Recurring schedules. Stable names keep restarts from duplicating.
	scheduler := jobs.NewScheduler(db, queue, redisClient)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStartup()
	schedules := []struct{ name, jobType, spec string }{
		{"oauth-token-refresh", jobs.TypeTokenRefresh, "@every 5m"},
		{"oauth-state-cleanup", jobs.TypeStateCleanup, "@hourly"},
		{"nightly-sync", jobs.TypeSyncAll, cfg.Jobs.NightlySyncSchedule},
		{"monthly-billing", jobs.TypeMonthlyBilling, "@monthly 1 04:00"},
		{"account-deletion", jobs.TypeAccountDeletion, "@daily 04:30"},
	}
	for _, s := range schedules {
		if err := scheduler.EnsureSchedule(startupCtx, s.name, s.jobType, s.spec); err != nil {
			log.Fatalf("Failed to register schedule %s: %v", s.name, err)
		}
	}

	// Start background components
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := pool.Start(); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}
	recovery := jobs.NewRecoveryWorker(queue)
	recovery.SetDeadLetterHook(engine.ReleaseAbandonedSync)
	go recovery.Start(runCtx)
	go scheduler.Start(runCtx)

	// Ops listener
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET"},
	}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]string{"status": "ok"})
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			httputil.Unavailable(w, "database unavailable")
			return
		}
		httputil.OK(w, map[string]string{"status": "ready"})
	})
	router.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, pool.Stats())
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	go func() {
		log.Printf("Ops listener on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ops listener failed: %v", err)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ops listener shutdown: %v", err)
	}
	cancelRun()
	pool.Stop()
	log.Println("Shutdown complete")
}
