package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Yolt-group/site-management-sub001/internal/config"
	"github.com/Yolt-group/site-management-sub001/internal/lifecycle"
	persistence "github.com/Yolt-group/site-management-sub001/internal/persistence/postgres"
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
	persister := lifecycle.NewPersister(repo)
	sweeper := lifecycle.NewSweeper(repo, persister, cfg.ActivityMaxAge)

	metricsSrv := &http.Server{Addr: cfg.HTTPAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("sweeper metrics listening on %s", cfg.HTTPAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("sweeper started (interval=%s, maxAge=%s)", cfg.SweepInterval, cfg.ActivityMaxAge)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ctx.Done():
			goto shutdown
		case <-ticker.C:
			closed, err := sweeper.RunOnce(ctx, cfg.SweepBatchSize)
			if err != nil {
				log.Printf("sweeper error: %v", err)
			} else if closed > 0 {
				log.Printf("sweeper force-closed %d activities", closed)
			}
		case <-stop:
			log.Println("sweeper received shutdown signal")
			cancel()
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}
