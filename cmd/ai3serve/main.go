// Command ai3serve runs the orchestrator behind a small HTTP API: POST a
// request to start a run, then stream its events back over
// server-sent events while it executes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/petec4244/ai3orchestrator/pkg/assembler"
	"github.com/petec4244/ai3orchestrator/pkg/config"
	"github.com/petec4244/ai3orchestrator/pkg/engine"
	"github.com/petec4244/ai3orchestrator/pkg/journal"
	"github.com/petec4244/ai3orchestrator/pkg/limiter"
	"github.com/petec4244/ai3orchestrator/pkg/logger"
	"github.com/petec4244/ai3orchestrator/pkg/planner"
	"github.com/petec4244/ai3orchestrator/pkg/provider"
	"github.com/petec4244/ai3orchestrator/pkg/registry"
	"github.com/petec4244/ai3orchestrator/pkg/router"
	"github.com/petec4244/ai3orchestrator/pkg/telemetry"
	"github.com/petec4244/ai3orchestrator/pkg/verifier"
)

// runHandle tracks one in-flight or completed run's broadcast stream so
// a late-connecting client still sees events already emitted.
type runHandle struct {
	mu       sync.Mutex
	events   []engine.Event
	done     bool
	outcome  engine.Outcome
	watchers []chan engine.Event
}

func (h *runHandle) append(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	for _, w := range h.watchers {
		select {
		case w <- ev:
		default:
		}
	}
}

func (h *runHandle) finish(outcome engine.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = true
	h.outcome = outcome
	for _, w := range h.watchers {
		close(w)
	}
	h.watchers = nil
}

func (h *runHandle) subscribe() (chan engine.Event, []engine.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	replay := append([]engine.Event(nil), h.events...)
	if h.done {
		return nil, replay, true
	}
	ch := make(chan engine.Event, 32)
	h.watchers = append(h.watchers, ch)
	return ch, replay, false
}

type server struct {
	eng *engine.Engine
	log logger.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
}

func (s *server) startRun(userText string) string {
	handle := &runHandle{}
	events, outcomes := s.eng.RunStream(context.Background(), userText)
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())

	s.mu.Lock()
	s.runs[runID] = handle
	s.mu.Unlock()

	go func() {
		for ev := range events {
			handle.append(ev)
		}
		handle.finish(<-outcomes)
	}()

	return runID
}

type createRunRequest struct {
	Prompt string `json:"prompt"`
}

type createRunResponse struct {
	RunID string `json:"run_id"`
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	runID := s.startRun(req.Prompt)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(createRunResponse{RunID: runID})
}

func (s *server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	s.mu.Lock()
	handle, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown run id", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent := func(ev engine.Event) {
		raw, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, raw)
		flusher.Flush()
	}

	ch, replay, done := handle.subscribe()
	for _, ev := range replay {
		writeEvent(ev)
	}
	if done {
		return
	}

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	log := logger.NewDefaultLogger()

	capabilitiesPath := envOr("AI3_CAPABILITIES_FILE", "capabilities.json")

	capsFile, err := config.LoadCapabilities(capabilitiesPath)
	if err != nil {
		log.Error("failed to load capabilities", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	order, err := config.ModelOrder(capabilitiesPath)
	if err != nil {
		log.Error("failed to determine model order", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}

	engCfg := config.LoadEngine("")

	reg := registry.New(time.Duration(capsFile.TelemetryWindowHours) * time.Hour)
	reg.Load(capsFile.Models, order)

	if envOr("AI3_HOT_RELOAD", "false") == "true" {
		watcher, err := config.WatchCapabilities(capabilitiesPath, reg, log)
		if err != nil {
			log.Warn("capabilities hot-reload disabled", logger.Field{Key: "error", Value: err.Error()})
		} else {
			defer watcher.Close()
		}
	}

	lim := limiter.New(engCfg.MaxConcurrency, engCfg.MaxConcurrencyPerProvider)
	factory := provider.NewFactory(func(kind provider.Kind) string { return config.ProviderAPIKey(string(kind)) })
	v := verifier.New(nil)
	collector := telemetry.New()
	if engCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: engCfg.RedisAddr})
		collector.ConfigureRedis(rdb, telemetry.DefaultRedisKey)
	}
	rt := router.New(reg, router.WithLogger(log), router.WithStats(collector))
	tracing, err := telemetry.NewTracing("ai3orchestrator-serve")
	if err != nil {
		log.Warn("tracing disabled", logger.Field{Key: "error", Value: err.Error()})
	}

	journalDir := envOr("AI3_JOURNAL_DIR", "./runs")
	if err := os.MkdirAll(journalDir, 0o755); err != nil {
		log.Error("failed to create journal directory", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	jr, err := journal.New(journalDir)
	if err != nil {
		log.Error("failed to open journal", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}

	plannerAdapter, err := factory.Get(provider.KindAnthropic, engCfg.PlannerModel)
	if err != nil {
		log.Error("failed to build planner adapter", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	plan := planner.New(plannerAdapter, engCfg.PlannerMaxTokens, engCfg.PlannerTemperature)

	eng := engine.New(engine.Deps{
		Registry:      reg,
		Router:        rt,
		Limiter:       lim,
		Factory:       factory,
		Verifier:      v,
		Collector:     collector,
		Tracing:       tracing,
		Journal:       jr,
		Assembler:     assembler.New(assembler.Synthesize),
		Planner:       plan,
		RepairLimit:   engCfg.RepairLimit,
		TelemetryPath: envOr("AI3_TELEMETRY_FILE", "./telemetry.json"),
		Logger:        log,
	})

	srv := &server{eng: eng, log: log, runs: make(map[string]*runHandle)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.CorrelationMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/runs", srv.handleCreateRun)
	r.Get("/runs/{id}/stream", srv.handleStreamRun)

	addr := envOr("AI3_LISTEN_ADDR", ":8088")
	handler := otelhttp.NewHandler(r, "ai3serve")
	log.Info("listening", logger.Field{Key: "addr", Value: addr})
	serveErr := http.ListenAndServe(addr, handler)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", logger.Field{Key: "error", Value: err.Error()})
	}

	if serveErr != nil {
		log.Error("server exited", logger.Field{Key: "error", Value: serveErr.Error()})
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
