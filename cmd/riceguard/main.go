package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agrovision/riceguard/internal/account"
	"github.com/agrovision/riceguard/internal/auth"
	"github.com/agrovision/riceguard/internal/config"
	"github.com/agrovision/riceguard/internal/detect"
	"github.com/agrovision/riceguard/internal/history"
	"github.com/agrovision/riceguard/internal/ingest"
	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/internal/metrics"
	"github.com/agrovision/riceguard/internal/notify"
	"github.com/agrovision/riceguard/internal/render"
	"github.com/agrovision/riceguard/internal/server"
	"github.com/agrovision/riceguard/internal/session"
)

var configPath = flag.String("config", "", "Path to config file (optional)")

// App holds the assembled service components.
type App struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     config.Config
	metrics *metrics.Metrics
	engine  *detect.Engine
	orch    *session.Orchestrator
	history *history.Store
	gateway *server.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		log.Fatalf("Invalid log config: %v", err)
	}

	logger.Info("Main", "Rice weed detection service starting...")
	logger.Info("Main", "Log level: %s", cfg.Log.Level)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	app.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Service stopped")
}

// NewApp assembles the pipeline from configuration.
func NewApp(cfg config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	accounts, err := account.Open(cfg.Accounts.StorePath, account.PasswordPolicy{
		MinLength:           cfg.Accounts.MinPasswordLength,
		RequireMixedClasses: cfg.Accounts.RequireMixedClasses,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	logger.Info("Main", "Account store: %s (%d accounts)", cfg.Accounts.StorePath, accounts.Len())

	hist, err := history.Open(cfg.Accounts.HistoryPath, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	engine, err := detect.NewEngine(detect.ONNXLoader(cfg.Detection), detect.Options{
		ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
		IoUThreshold:        cfg.Detection.IoUThreshold,
		OnSwap: func() {
			m.ModelLoaded.Store(1)
			m.ModelReloads.Add(1)
		},
	})
	if err != nil {
		// The service stays up; requests fail until the artifact appears
		// and the watcher reloads it.
		logger.Error("Main", "Model load failed, detection disabled: %v", err)
	}

	renderer, err := render.New(cfg.Render.OutputDir, cfg.Render.JPEGQuality, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	transport := notify.NewSMTPTransport(cfg.Email)
	dispatcher := notify.NewDispatcher(transport, notify.RetryPolicy{
		MaxAttempts: cfg.Email.MaxRetries,
		Backoff:     notify.ExponentialBackoff(cfg.Email.BackoffBase),
	}, cfg.Email.AlertCooldown, nil)

	ingestor := ingest.New(engine)

	orch := session.New(accounts, ingestor, engine, renderer, dispatcher, hist, m, nil)

	tokens, err := auth.NewManager(cfg.Server.JWTSecret, cfg.Server.TokenExpiry)
	if err != nil {
		cancel()
		return nil, err
	}

	gateway := server.New(server.Options{
		Accounts:    accounts,
		Orch:        orch,
		Tokens:      tokens,
		History:     hist,
		TestSender:  dispatcher,
		Model:       engine,
		MaxUploadMB: cfg.Server.MaxUploadMB,
	})

	return &App{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		metrics: m,
		engine:  engine,
		orch:    orch,
		history: hist,
		gateway: gateway,
	}, nil
}

// Start launches the HTTP gateway, the metrics endpoint and the model watcher.
func (a *App) Start() {
	logger.Info("Main", "HTTP gateway: %s", a.cfg.Server.Addr)
	logger.Info("Main", "Metrics server: %s", a.cfg.Metrics.Addr)
	logger.Info("Main", "Model artifact: %s", a.cfg.Detection.ModelPath)
	logger.Info("Main", "Artifact output: %s", a.cfg.Render.OutputDir)

	go func() {
		if err := a.metrics.StartServer(a.cfg.Metrics.Addr); err != nil {
			logger.Error("Main", "Metrics server error: %v", err)
		}
	}()

	if a.cfg.Detection.WatchArtifact {
		go func() {
			if err := a.engine.Watch(a.ctx, a.cfg.Detection.ModelPath); err != nil {
				logger.Error("Main", "Model watcher error: %v", err)
			}
		}()
	}

	go func() {
		if err := a.gateway.Start(a.cfg.Server.Addr); err != nil {
			logger.Error("Main", "HTTP gateway error: %v", err)
		}
	}()

	logger.Info("Main", "Service started successfully")
}

// Shutdown stops the gateway, drains in-flight deliveries and closes stores.
func (a *App) Shutdown() error {
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.gateway.Shutdown(ctx)

	a.orch.Close()
	a.history.Close()
	a.engine.Close()
	return err
}
