// Command triaged runs the ingest-and-dispatch control plane: the
// Ingester, Submitter, FileDispatcher, SubmissionDispatcher and Watcher
// wired together against a shared store, plus the HTTP surface for
// submitting work and inspecting it.
//
// Grounded on control_plane/main.go's wiring order (store → streaming →
// coordination → workers → idempotency → HTTP → serve) and its
// Redis-required-for-coordination fatal-on-missing posture.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridgeline/triagecore/capabilities"
	"github.com/ridgeline/triagecore/config"
	"github.com/ridgeline/triagecore/coordination"
	"github.com/ridgeline/triagecore/dispatch"
	"github.com/ridgeline/triagecore/idempotency"
	"github.com/ridgeline/triagecore/incident"
	"github.com/ridgeline/triagecore/ingest"
	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/middleware"
	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/queue"
	"github.com/ridgeline/triagecore/resilience"
	"github.com/ridgeline/triagecore/streaming"
	"github.com/ridgeline/triagecore/subdispatch"
	"github.com/ridgeline/triagecore/submit"
	"github.com/ridgeline/triagecore/timeline"
	"github.com/ridgeline/triagecore/watcher"
	"github.com/ridgeline/triagecore/wsstream"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// memoryEpochStore is a process-local fallback EpochStore for
// standalone/dev mode when POSTGRES_DSN is unset — mirrors the
// teacher's "Redis unavailable, standalone mode (unsafe for HA)"
// fallback posture, just on the epoch axis instead of the lock axis.
type memoryEpochStore struct {
	epoch int64
}

func (m *memoryEpochStore) IncrementDurableEpoch(context.Context, string) (int64, error) {
	return atomic.AddInt64(&m.epoch, 1), nil
}

func (m *memoryEpochStore) GetDurableEpoch(context.Context, string) (int64, error) {
	return atomic.LoadInt64(&m.epoch), nil
}

// watchRouter delivers a fired Watcher schedule to the right in-process
// handler by queue name.
type watchRouter struct {
	fd *dispatch.FileDispatcher
}

func (r *watchRouter) Deliver(ctx context.Context, queueName string, message []byte) error {
	switch queueName {
	case "submission":
		return r.fd.HandleTimeout(ctx, string(message))
	default:
		log.Printf("[triaged] watcher fired for unknown queue %q, dropping", queueName)
		return nil
	}
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	redisStore, err := kvstore.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
	if err != nil {
		log.Fatalf("failed to connect to Redis (required for coordination and storage): %v", err)
	}
	log.Printf("connected to Redis at %s", cfg.RedisAddr)

	var store kvstore.Store = redisStore

	var epochs coordination.EpochStore
	if cfg.PostgresDSN != "" {
		pg, err := kvstore.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect to Postgres (required for durable fencing epochs): %v", err)
		}
		epochs = pg
		log.Println("using Postgres for durable fencing epochs")
	} else {
		epochs = &memoryEpochStore{}
		log.Println("POSTGRES_DSN unset: using in-memory fencing epoch (unsafe for HA, single-node only)")
	}

	publisher := streaming.NewLogPublisher("triaged")
	defer publisher.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	coordinator := coordination.NewRedisCoordinator(redisClient)
	elector := coordination.NewLeaderElector(coordinator, epochs, "node-"+cfg.NodeID, 30*time.Second)

	janitor := coordination.NewLockJanitor(coordinator, epochs, 60*time.Second)
	go janitor.Run(ctx)

	scoreCache := resilience.NewScoreCache(store, &cfg)
	tl := timeline.NewStore()
	idem := idempotency.NewStore(store)

	// The Watcher's Deliverer is the FileDispatcher, but the
	// FileDispatcher's constructor needs the Watcher (to refresh
	// max_time on every file task). Construct the Watcher with no
	// deliverer, wire everything else, then bind it once the
	// FileDispatcher exists.
	wat := watcher.New(store, nil, elector, 5*time.Second)

	whitelist := capabilities.NullWhitelist{}
	schedules := capabilities.FlatScheduleBuilder{}
	svcConfig := capabilities.PassthroughServiceConfig{}
	limits := capabilities.StaticServiceLimits{Cfg: &cfg}
	lowPrio := capabilities.ConfigPriorityClassifier{Cfg: &cfg}
	scorer := capabilities.ErrorPenalizedScorer{}

	ig := ingest.New(&cfg, store, scoreCache, whitelist, lowPrio, tl, publisher)

	fileQueue := queue.NewFIFO[*model.FileTask](4096)
	completionQueue := queue.NewFIFO[string](4096)

	sub := submit.New(&cfg, store, idem, fileQueue, wat, tl)

	completionSink := subdispatch.NewQueueCompletionSink(completionQueue)
	fd := dispatch.New(&cfg, store, schedules, svcConfig, limits, dispatch.LoggingServiceSink{},
		completionSink, wat, fileQueue, tl)

	wat.SetDeliverer(&watchRouter{fd: fd})
	go wat.Run(ctx)

	sd := subdispatch.New(&cfg, store, scorer, ig, ig.Queue(), publisher, tl)

	go sub.Run(ctx, ig.Queue())
	go fd.Run(ctx, fileQueue)
	go completionSink.Run(ctx, sd)

	hub := wsstream.NewHub(tl, 2*time.Second)
	go hub.Run(ctx)

	http.Handle("/health", middleware.CORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})))

	http.Handle("/submit", middleware.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req model.SubmissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if err := ig.Intake(r.Context(), req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})))

	http.Handle("/debug/snapshot", middleware.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := r.URL.Query().Get("sid")
		report, err := incident.Capture(r.Context(), fd, tl, sid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if report == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})))

	http.Handle("/metrics", middleware.CORS(promhttp.Handler()))

	log.Printf("triaged listening on :8080 (node=%s, shard=%d/%d)", cfg.NodeID, cfg.ShardIndex, cfg.ShardCount)
	log.Fatal(http.ListenAndServe(":8080", nil))
}
