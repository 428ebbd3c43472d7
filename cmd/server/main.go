package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/shehryarbajwa/invigilator/internal/api"
	"github.com/shehryarbajwa/invigilator/internal/browser"
	"github.com/shehryarbajwa/invigilator/internal/capture"
	"github.com/shehryarbajwa/invigilator/internal/collector"
	"github.com/shehryarbajwa/invigilator/internal/config"
	"github.com/shehryarbajwa/invigilator/internal/desktop"
	"github.com/shehryarbajwa/invigilator/internal/notify"
	"github.com/shehryarbajwa/invigilator/internal/ratelimit"
	"github.com/shehryarbajwa/invigilator/internal/session"
	"github.com/shehryarbajwa/invigilator/internal/source"
)

func main() {
	envFile := pflag.String("env-file", ".env", "optional dotenv file")
	addr := pflag.String("addr", "", "listen address (overrides INVIGILATOR_SERVER_ADDR)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger := config.NewLogger(os.Stderr, cfg.Log)

	log.Println("Starting Invigilator capture service...")

	// Capture sources
	sources := source.NewRegistry(source.Kind(cfg.Sessions.DefaultSource))
	defer sources.Close()

	if cfg.Browser.Enabled {
		pool, err := browser.NewPool(browser.PoolOptions{
			Image:        cfg.Browser.Image,
			Host:         cfg.Browser.Host,
			WindowWidth:  cfg.Browser.WindowWidth,
			WindowHeight: cfg.Browser.WindowHeight,
		})
		if err != nil {
			log.Fatalf("Failed to create browser pool: %v", err)
		}
		sources.Register(source.KindChrome, browser.NewSource(pool, cfg.Browser.StartURL, logger))
		log.Printf("✓ Chrome source initialized (%s)", cfg.Browser.Image)
	}
	if cfg.Desktop.Enabled {
		sources.Register(source.KindDesktop, desktop.NewSource(cfg.Desktop.Display, logger))
		log.Printf("✓ Desktop source initialized (display %d)", cfg.Desktop.Display)
	}

	if cfg.Browser.Enabled && cfg.Browser.PullImage {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		log.Println("⏳ Ensuring Chrome image is available...")
		if err := sources.EnsureImages(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure images: %v", err)
		}
		cancel()
		log.Println("✓ Chrome image ready")
	}

	// Upload client
	uploader := collector.NewClient(collector.ClientOptions{
		BaseURL: cfg.Collector.URL,
		Token:   cfg.Collector.Token,
		Timeout: cfg.Collector.Timeout,
	}, logger)
	log.Printf("✓ Collector client initialized (%s)", cfg.Collector.URL)

	hub := notify.NewHub(cfg.Notify.Recent, logger)

	sessionMgr := session.NewManager(session.Config{
		Sources:            sources,
		Uploader:           uploader,
		Notifier:           hub,
		Logger:             logger,
		MaxSessionsPerQuiz: cfg.Sessions.MaxPerQuiz,
		DefaultTimeout:     cfg.Sessions.DefaultTimeout,
		Retention:          cfg.Sessions.Retention,
		Capture: capture.Options{
			CaptureInterval:  cfg.Capture.Interval,
			LivenessInterval: cfg.Capture.LivenessInterval,
			UploadTimeout:    cfg.Capture.UploadTimeout,
			TargetWidth:      cfg.Capture.TargetWidth,
		},
	})
	log.Println("✓ Session manager initialized")

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimit.PerHour, cfg.RateLimit.Burst)
	log.Printf("✓ Rate limiter initialized (%d sessions/hour per quiz)", cfg.RateLimit.PerHour)

	router := api.NewHandler(sessionMgr, hub, logger).SetupRoutes(rateLimiter)
	log.Println("✓ HTTP routes configured")

	// WriteTimeout stays unset so notification streams are not cut off.
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on %s", cfg.Server.Addr)
		log.Printf("📸 Capture every %s, liveness every %s, width %dpx",
			cfg.Capture.Interval, cfg.Capture.LivenessInterval, cfg.Capture.TargetWidth)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("⏳ Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := sessionMgr.Shutdown(ctx); err != nil {
		log.Printf("Sessions did not close in time: %v", err)
	}

	log.Println("✅ Server stopped cleanly")
}
