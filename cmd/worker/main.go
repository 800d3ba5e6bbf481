package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yourorg/scandiff-worker/internal/config"
	"github.com/yourorg/scandiff-worker/internal/db"
	"github.com/yourorg/scandiff-worker/internal/metrics"
	s3c "github.com/yourorg/scandiff-worker/internal/s3"
	"github.com/yourorg/scandiff-worker/internal/worker"
)

func main() {
	// Load environment variables from .env files if present. This helps local dev.
	// Try current directory and one level up (in case run from cmd/worker).
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		log.Fatal(err)
	}
	cfg.MinSeverity = policy.MinSeverity
	failOn, err := policy.FailOn()
	if err != nil {
		log.Fatal(err)
	}
	cfg.FailOn = string(failOn)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Pool.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		if db.IsInsufficientPrivilege(err) {
			log.Printf("ensure schema skipped due insufficient privilege: %v", err)
		} else {
			log.Fatal(err)
		}
	}

	s3, err := s3c.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3Region)
	if err != nil {
		log.Fatal(err)
	}

	m := metrics.New()

	// healthz checks DB connectivity with a 2s timeout; returns 503 if unreachable
	if addr := cfg.HTTPAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				dbCtx, dbCancel := context.WithTimeout(r.Context(), 2*time.Second)
				defer dbCancel()
				if err := store.Ping(dbCtx); err != nil {
					log.Printf("healthz: db ping failed: %v", err)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write([]byte(`{"status":"unhealthy","reason":"db unreachable"}`))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"status":"healthy"}`))
			})
			mux.Handle("/metrics", m.Handler())
			s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				<-ctx.Done()
				shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = s.Shutdown(shctx)
			}()
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("health server: %v", err)
			}
		}()
	}

	r := worker.NewRunner(cfg, store, s3, m)
	log.Printf("worker starting with id=%s concurrency=%d min_severity=%s fail_on_new=%q", r.WorkerID(), cfg.WorkerConcurrency, cfg.MinSeverity, cfg.FailOn)

	r.RecoverStaleJobs(ctx)

	if err := r.RunForever(ctx); err != nil {
		log.Fatal(err)
	}
	log.Printf("worker %s stopped", r.WorkerID())
}
