package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/draftsmith/draftsmith/internal/api"
	"github.com/draftsmith/draftsmith/internal/config"
	"github.com/draftsmith/draftsmith/internal/dispatcher"
	"github.com/draftsmith/draftsmith/internal/ledger"
	"github.com/draftsmith/draftsmith/internal/mailapi"
	"github.com/draftsmith/draftsmith/internal/metrics"
	"github.com/draftsmith/draftsmith/internal/models"
	"github.com/draftsmith/draftsmith/internal/scheduler"
	"github.com/draftsmith/draftsmith/internal/token"
	"github.com/draftsmith/draftsmith/internal/uploader"
)

// refresherProxy breaks the construction cycle between the token guard and
// the graph client: the guard refreshes through the client, the client
// authenticates through the guard.
type refresherProxy struct {
	client *mailapi.GraphClient
}

func (p *refresherProxy) RefreshCredential(ctx context.Context, refreshToken string) (*mailapi.Credential, error) {
	return p.client.RefreshCredential(ctx, refreshToken)
}

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Campaign Ledger (optional)
	// ------------------------------------------------
	var store *ledger.Store
	if cfg.DatabaseURL != "" {
		store, err = ledger.New(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatal("ledger schema setup failed", zap.Error(err))
		}
	} else {
		logger.Warn("DATABASE_URL not set, campaign ledger disabled")
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Token Guard + Graph Client
	// ------------------------------------------------
	proxy := &refresherProxy{}

	var initial *mailapi.Credential
	if cfg.RefreshToken != "" {
		initial = &mailapi.Credential{RefreshToken: cfg.RefreshToken}
	}
	guard := token.NewGuard(proxy, initial, logger)

	client := mailapi.NewGraphClient(mailapi.GraphConfig{
		BaseURL:      cfg.GraphBaseURL,
		LoginURL:     cfg.GraphLoginURL,
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		SenderEmail:  cfg.SenderEmail,
	}, guard, logger)
	proxy.client = client

	// ------------------------------------------------
	// Uploader + Dispatcher
	// ------------------------------------------------
	up := uploader.New(client, logger)
	up.Concurrency = int64(cfg.UploadConcurrency)

	disp := dispatcher.New(client, guard, up, logger)
	disp.GroupSize = cfg.GroupSize
	disp.Concurrency = int64(cfg.GroupConcurrency)
	disp.MaxRetries = cfg.DispatchRetries

	// ------------------------------------------------
	// Job Scheduler
	// ------------------------------------------------
	sched, err := scheduler.New(client, guard, scheduler.NewFileStore(cfg.JobStorePath), logger)
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	sched.PollInterval = cfg.PollInterval
	sched.OnTransition = func(job *models.SchedulerJob, event string) {
		if err := store.RecordJobEvent(context.Background(), job, event); err != nil {
			logger.Error("ledger job event failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	go sched.Run(ctx)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Dispatcher:  disp,
		Scheduler:   sched,
		Ledger:      store,
		Log:         logger,
		MaxContacts: cfg.MaxContacts,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
