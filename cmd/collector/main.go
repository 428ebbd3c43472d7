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
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/invigilator/internal/collector"
	"github.com/shehryarbajwa/invigilator/internal/config"
)

func main() {
	envFile := pflag.String("env-file", ".env", "optional dotenv file")
	addr := pflag.String("addr", "", "listen address (overrides INVIGILATOR_RECEIVER_ADDR)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Receiver.Addr = *addr
	}
	if err := cfg.ValidateReceiver(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stderr, cfg.Log)

	log.Println("Starting Invigilator collector...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := collector.NewStore(cfg.Receiver.StorageDir)
	if err != nil {
		log.Fatalf("Failed to create screenshot store: %v", err)
	}
	log.Printf("✓ Screenshot store at %s", cfg.Receiver.StorageDir)

	var repo collector.Repository = collector.NewMemoryRepository()
	if cfg.Postgres.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		db, err := collector.OpenPostgres(connectCtx, collector.PostgresOptions{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DB:       cfg.Postgres.DB,
			Schema:   cfg.Postgres.Schema,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		repo = collector.NewPostgresRepository(db, cfg.Postgres.Schema)
		log.Println("✓ Database connected successfully")
	} else {
		log.Println("✓ Using in-memory screenshot metadata")
	}

	var pub collector.Publisher = collector.NopPublisher{}
	if cfg.RabbitMQ.Enabled {
		amqpPub, err := collector.NewAMQPPublisher(collector.AMQPOptions{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer amqpPub.Close()
		pub = amqpPub
		log.Printf("✓ Publishing events to exchange %s", cfg.RabbitMQ.Exchange)
	}

	srv := &http.Server{
		Addr: cfg.Receiver.Addr,
		Handler: collector.NewServer(collector.ServerConfig{
			Token:      cfg.Receiver.Token,
			Store:      store,
			Repository: repo,
			Publisher:  pub,
			Logger:     logger,
		}),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("🚀 Collector listening on %s%s", cfg.Receiver.Addr, collector.RESTPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("⏳ Shutting down collector...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Collector stopped with error: %v", err)
		return
	}
	log.Println("✅ Collector stopped cleanly")
}
