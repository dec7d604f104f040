package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/Yolt-group/site-management-sub001/internal/api"
	"github.com/Yolt-group/site-management-sub001/internal/clients"
	"github.com/Yolt-group/site-management-sub001/internal/config"
	"github.com/Yolt-group/site-management-sub001/internal/ingress"
	"github.com/Yolt-group/site-management-sub001/internal/lifecycle"
	"github.com/Yolt-group/site-management-sub001/internal/orchestration"
	"github.com/Yolt-group/site-management-sub001/internal/outbox"
	persistence "github.com/Yolt-group/site-management-sub001/internal/persistence/postgres"
	"github.com/Yolt-group/site-management-sub001/internal/pipeline"
	httptransport "github.com/Yolt-group/site-management-sub001/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	userSites := clients.NewUserSitesClient(cfg.UserSitesURL)
	accounts := clients.NewAccountsClient(cfg.AccountsURL)
	features := clients.NewFeaturesClient(cfg.ClientsURL)

	persister := lifecycle.NewPersister(repo)
	starter := pipeline.NewStarter(repo, accounts, producer, cfg.PipelineTopic)
	trigger := orchestration.NewTrigger(repo, userSites, features, persister, starter)
	handler := ingress.NewEventHandler(repo, persister, trigger)

	opsHandler := api.NewHandler(repo)
	mux := http.NewServeMux()
	opsHandler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, mux)

	go func() {
		log.Printf("ingress listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})

		proc := ingress.NewProcessor(reader, handler)

		wg.Add(1)
		go func(topic string, r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()

			log.Printf("ingress consumer started (topic=%s, group=%s)", topic, cfg.ConsumerGroupID)
			if err := proc.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("ingress consumer stopped with error (topic=%s): %v", topic, err)
			}
		}(topic, reader)
	}

	<-stop
	log.Println("ingress shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	wg.Wait()
	dispatcher.Wait()
}
