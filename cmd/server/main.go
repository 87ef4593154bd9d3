package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/halving/internal/history"
	"github.com/fractal-lba/halving/internal/metrics"
	"github.com/fractal-lba/halving/internal/session"
	"github.com/fractal-lba/halving/pkg/otel"
)

func main() {
	ctx := context.Background()

	// Tracing
	if endpoint := getEnv("OTEL_ENDPOINT", ""); endpoint != "" {
		cfg := otel.DefaultConfig("halving")
		cfg.CollectorEndpoint = endpoint
		tp, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer otel.Shutdown(ctx, tp)
	}

	// Rung history
	backend := getEnv("HISTORY_BACKEND", "memory")
	store, err := history.Open(ctx, history.Options{
		Backend:      backend,
		SnapshotPath: getEnv("HISTORY_SNAPSHOT", ""),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:      getEnvInt("REDIS_DB", 0),
		RedisTTL:     getEnvDuration("HISTORY_TTL", 0),
		PostgresConn: getEnv("POSTGRES_CONN", ""),
	})
	if err != nil {
		log.Fatalf("Failed to open %s history store: %v", backend, err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Sessions
	mgrCfg := session.DefaultConfig()
	mgrCfg.Capacity = getEnvInt("SESSION_CAPACITY", mgrCfg.Capacity)
	mgrCfg.TTL = getEnvDuration("SESSION_TTL", mgrCfg.TTL)
	mgrCfg.JournalDir = getEnv("WAL_DIR", "data/wal")

	mgr, err := session.NewManager(mgrCfg, store, m)
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}
	if n, err := mgr.Recover(); err != nil {
		log.Printf("Session recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d sessions from %s", n, mgrCfg.JournalDir)
	}

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := NewServer(mgr, m, limiter, prometheus.DefaultGatherer)
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Idle session cleanup
	stopCleanup := make(chan struct{})
	if mgrCfg.TTL > 0 {
		go func() {
			ticker := time.NewTicker(mgrCfg.TTL / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := mgr.CleanupExpired(); n > 0 {
						log.Printf("Evicted %d idle sessions", n)
					}
				case <-stopCleanup:
					return
				}
			}
		}()
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")
	close(stopCleanup)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Close resources
	if err := mgr.Close(); err != nil {
		log.Printf("Error closing sessions: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("Error closing history store: %v", err)
	}

	log.Println("Server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
