package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/command-server/internal/audit"
	"github.com/smukkama/command-server/internal/command"
	"github.com/smukkama/command-server/internal/eventloop"
	"github.com/smukkama/command-server/internal/queue"
	"github.com/smukkama/command-server/internal/reactor"
	"github.com/smukkama/command-server/internal/server"
	"github.com/smukkama/command-server/internal/stats"
	"github.com/smukkama/command-server/internal/timer"
	"github.com/smukkama/command-server/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("Starting Command Server...")

	registry := command.Default()

	// Optional audit event stream
	if cfg.Kafka.AuditEnabled {
		if err := queue.CreateTopic(
			cfg.Kafka.Brokers,
			cfg.Kafka.TopicAudit,
			cfg.Kafka.NumPartitions,
			1, // replication factor
		); err != nil {
			fmt.Printf("Note: Topic creation failed (may already exist): %v\n", err)
		}

		producer := queue.NewProducerWithConfig(&queue.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.TopicAudit,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  cfg.Kafka.Compression,
			Async:        true, // audit records are published from the event loop thread
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			BatchBytes:   1048576, // 1MB
		})
		defer producer.Close()

		registry.SetAuditor(audit.NewRecorder(producer))
		fmt.Printf("Audit stream enabled (topic=%s)\n", cfg.Kafka.TopicAudit)
	}

	collector := stats.NewCollector()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		fmt.Printf("Stats mirrored to redis at %s\n", cfg.Redis.Addr)
	}

	reporter := stats.NewReporter(collector, rdb, cfg.Stats.RedisKey, cfg.Stats.Interval)
	reporter.Start()
	defer reporter.Stop()

	timers := timer.NewManager()
	timers.Start()
	defer timers.Stop()

	r, err := reactor.New()
	if err != nil {
		log.Fatalf("Failed to create reactor: %v", err)
	}

	srv, err := server.Listen(cfg.Server.BindAddr, r, server.Options{
		Registry:    registry,
		Stats:       collector,
		Timers:      timers,
		IdleTimeout: cfg.Server.InactivityTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to bind %s: %v", cfg.Server.BindAddr, err)
	}

	loop := eventloop.New(r)
	loop.AddListener(srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Run()
	}()

	fmt.Printf("\n✓ Command Server is running\n")
	fmt.Printf("✓ Listening on tcp://%s\n", srv.Addr())
	fmt.Println("✓ Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Event loop failed: %v", err)
	case <-sigCh:
		fmt.Println("\nShutting down...")
	}
}
