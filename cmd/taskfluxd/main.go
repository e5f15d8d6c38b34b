// Command taskfluxd wires a single scheduler instance to a backing store
// and exposes the health/metrics admin surface. Grounded in the teacher's
// control_plane/main.go: env-var configuration via os.Getenv/fmt.Sscanf (no
// flag/viper/cobra layer), store selection by environment, and a bare
// net/http.ServeMux for the admin endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/taskflux/taskflux/eventhub"
	"github.com/taskflux/taskflux/scheduler"
	"github.com/taskflux/taskflux/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeFn := mustStore(ctx)
	defer closeFn()

	if rs, ok := backend.(*store.RedisStore); ok {
		janitor := store.NewLeaseJanitor(rs, 30*time.Second, 10*time.Second)
		janitor.Start(ctx)
	}

	cfg := configFromEnv()
	sched := scheduler.New(cfg, backend)

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("taskfluxd: failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	hub := eventhub.New(sched.Events())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := sched.Health()
		w.Header().Set("Content-Type", "application/json")
		if health.Level != scheduler.HealthGreen {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/tasks/"):]
		doc, err := sched.Get(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	})

	addr := ":8080"
	if p := os.Getenv("TASKFLUXD_ADDR"); p != "" {
		addr = p
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("taskfluxd listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("taskfluxd: http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("taskfluxd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func configFromEnv() scheduler.Config {
	cfg := scheduler.DefaultConfig()

	if v := os.Getenv("TASKFLUXD_MAX_WORKERS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("TASKFLUXD_POLL_INTERVAL_MS"); v != "" {
		var ms int
		fmt.Sscanf(v, "%d", &ms)
		if ms > 0 {
			cfg.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TASKFLUXD_MAX_ATTEMPTS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("TASKFLUXD_OWNER_ID"); v != "" {
		cfg.OwnerID = v
	}
	if v := os.Getenv("TASKFLUXD_MONITORED_STATS_FRESHNESS_MS"); v != "" {
		var ms int
		fmt.Sscanf(v, "%d", &ms)
		if ms > 0 {
			cfg.MonitoredStatsRequiredFreshness = time.Duration(ms) * time.Millisecond
		}
	} else {
		cfg.MonitoredStatsRequiredFreshness = cfg.PollInterval + time.Second
	}
	return cfg
}

// mustStore selects a backend per TASKFLUXD_STORE (postgres|redis|memory,
// default memory), mirroring the teacher's Redis-required-for-coordination
// fallback logic in control_plane/main.go (there Postgres absence is
// fatal; here memory is an acceptable single-node dev fallback since
// leader election is out of this spec's scope, §1).
func mustStore(ctx context.Context) (store.Store, func()) {
	switch os.Getenv("TASKFLUXD_STORE") {
	case "postgres":
		connString := os.Getenv("TASKFLUXD_POSTGRES_URL")
		pg, err := store.NewPostgresStore(ctx, connString)
		if err != nil {
			log.Fatalf("taskfluxd: failed to connect to postgres: %v", err)
		}
		return pg, pg.Close

	case "redis":
		addr := os.Getenv("TASKFLUXD_REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		rs, err := store.NewRedisStore(ctx, client)
		if err != nil {
			log.Fatalf("taskfluxd: failed to connect to redis: %v", err)
		}
		return rs, func() { client.Close() }

	default:
		log.Println("taskfluxd: TASKFLUXD_STORE unset, using in-memory store (single-node only)")
		return store.NewMemoryStore(), func() {}
	}
}
