// Command ai3 is a CLI front end for the orchestrator engine: plan a
// user request into a task DAG, run it to completion (or stream its
// events), and print the assembled output.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

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
	"github.com/petec4244/ai3orchestrator/pkg/task"
	"github.com/petec4244/ai3orchestrator/pkg/telemetry"
	"github.com/petec4244/ai3orchestrator/pkg/verifier"
)

func main() {
	var (
		capabilitiesPath = flag.String("capabilities", "capabilities.json", "path to the provider capabilities file")
		journalDir       = flag.String("journal-dir", "./runs", "directory runs are journaled under")
		telemetryPath    = flag.String("telemetry-file", "./telemetry.json", "path historical provider telemetry is persisted to")
		stream           = flag.Bool("stream", false, "print events as they happen instead of only the final output")
		maxConcurrency   = flag.Int("max-concurrency", 0, "override the global concurrency limit (0 keeps the configured default)")
		plannerModel     = flag.String("planner-model", "", "override the planner's provider:model, e.g. anthropic:claude-3-5-sonnet")
		showStats        = flag.Bool("stats", false, "print run statistics after completion")
		history          = flag.Bool("history", false, "list past runs under -journal-dir and exit")
		replay           = flag.String("replay", "", "re-execute a past run's plan (by run_<unix-ms> ID) through mock adapters and exit")
	)
	flag.Parse()

	log := logger.NewDefaultLogger()

	if *history {
		printHistory(*journalDir)
		return
	}
	if *replay != "" {
		runReplay(context.Background(), *journalDir, *replay, log, *showStats)
		return
	}

	userText := strings.Join(flag.Args(), " ")
	if userText == "" {
		fmt.Fprintln(os.Stderr, "usage: ai3 [flags] <request text>")
		os.Exit(2)
	}

	capsFile, err := config.LoadCapabilities(*capabilitiesPath)
	if err != nil {
		log.Error("failed to load capabilities", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	order, err := config.ModelOrder(*capabilitiesPath)
	if err != nil {
		log.Error("failed to determine model order", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}

	engCfg := config.LoadEngine("")
	if *maxConcurrency > 0 {
		engCfg.MaxConcurrency = *maxConcurrency
	}
	if *plannerModel != "" {
		engCfg.PlannerModel = *plannerModel
	}

	reg := registry.New(time.Duration(capsFile.TelemetryWindowHours) * time.Hour)
	reg.Load(capsFile.Models, order)

	lim := limiter.New(engCfg.MaxConcurrency, engCfg.MaxConcurrencyPerProvider)
	factory := provider.NewFactory(func(kind provider.Kind) string { return config.ProviderAPIKey(string(kind)) })

	var customValidator verifier.CustomValidator
	v := verifier.New(customValidator)

	collector := telemetry.New()
	if engCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: engCfg.RedisAddr})
		collector.ConfigureRedis(rdb, telemetry.DefaultRedisKey)
	}
	if err := collector.Load(*telemetryPath); err != nil {
		log.Debug("no historical telemetry loaded", logger.Field{Key: "path", Value: *telemetryPath})
	}

	rt := router.New(reg, router.WithLogger(log), router.WithStats(collector))

	tracing, err := telemetry.NewTracing("ai3orchestrator")
	if err != nil {
		log.Warn("tracing disabled", logger.Field{Key: "error", Value: err.Error()})
	}

	if err := os.MkdirAll(*journalDir, 0o755); err != nil {
		log.Error("failed to create journal directory", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	jr, err := journal.New(*journalDir)
	if err != nil {
		log.Error("failed to open journal", logger.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}

	asm := assembler.New(assembler.Synthesize)

	plannerKind, plannerModelID := splitProviderID(engCfg.PlannerModel)
	if plannerKind == "" {
		plannerKind = string(provider.KindAnthropic)
	}
	plannerAdapter, err := factory.Get(provider.Kind(plannerKind), plannerModelID)
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
		Assembler:     asm,
		Planner:       plan,
		RepairLimit:   engCfg.RepairLimit,
		TelemetryPath: *telemetryPath,
		Logger:        log,
	})

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	ctx := context.Background()
	if *stream {
		runStreaming(ctx, eng, userText, *showStats)
		return
	}
	runBlocking(ctx, eng, userText, *showStats)
}

func runBlocking(ctx context.Context, eng *engine.Engine, userText string, showStats bool) {
	result, err := eng.Run(ctx, userText)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(result.Output.Text)
	if showStats {
		printStats(result.Stats)
	}
}

func runStreaming(ctx context.Context, eng *engine.Engine, userText string, showStats bool) {
	events, outcomes := eng.RunStream(ctx, userText)
	for ev := range events {
		raw, _ := json.Marshal(ev)
		fmt.Fprintln(os.Stderr, string(raw))
	}
	outcome := <-outcomes
	if outcome.Err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", outcome.Err)
		os.Exit(1)
	}
	fmt.Println(outcome.Result.Output.Text)
	if showStats {
		printStats(outcome.Result.Stats)
	}
}

func printStats(stats engine.Stats) {
	raw, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Fprintln(os.Stderr, string(raw))
}

func splitProviderID(id string) (kind, model string) {
	if id == "" {
		return "", ""
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

// runSummary is the subset of a past run's state -history prints a line
// for, read back from its journaled input.txt/stats.json.
type runSummary struct {
	RunID string       `json:"run_id"`
	Input string       `json:"input"`
	Stats engine.Stats `json:"stats"`
}

// printHistory lists run_* directories under journalDir, oldest first,
// printing one JSON line per run.
func printHistory(journalDir string) {
	entries, err := os.ReadDir(journalDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: reading %s: %v\n", journalDir, err)
		os.Exit(1)
	}

	var runIDs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run_") {
			runIDs = append(runIDs, e.Name())
		}
	}
	sort.Strings(runIDs)

	for _, runID := range runIDs {
		dir := filepath.Join(journalDir, runID)
		summary := runSummary{RunID: runID}

		if raw, err := os.ReadFile(filepath.Join(dir, "input.txt")); err == nil {
			summary.Input = string(raw)
		}
		if raw, err := os.ReadFile(filepath.Join(dir, "stats.json")); err == nil {
			_ = json.Unmarshal(raw, &summary.Stats)
		}

		line, _ := json.Marshal(summary)
		fmt.Println(string(line))
	}
}

// replayPlan mirrors plan.json's shape: task.Task/task.Edge marshal
// directly, so the same types unmarshal it back.
type replayPlan struct {
	Tasks []*task.Task `json:"tasks"`
	Edges []task.Edge  `json:"edges"`
}

// replayPlanner wraps a DAG already rebuilt from a journaled plan.json;
// it ignores the text it's asked to plan and returns that DAG instead,
// so a replay run never calls out to an LLM to re-derive the plan.
type replayPlanner struct {
	dag *task.DAG
}

func (p *replayPlanner) Plan(ctx context.Context, userText string) (*task.DAG, error) {
	return p.dag, nil
}

const replayProviderID = "mock:replay"

// runReplay rebuilds the DAG of run directory runID from its journaled plan.json and
// re-executes it through mock adapters only, so past runs can be
// inspected without live provider credentials or non-determinism.
func runReplay(ctx context.Context, journalDir, runID string, log logger.Logger, showStats bool) {
	dir := filepath.Join(journalDir, runID)
	raw, err := os.ReadFile(filepath.Join(dir, "plan.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: reading plan for %s: %v\n", runID, err)
		os.Exit(1)
	}

	var plan replayPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		fmt.Fprintf(os.Stderr, "error: parsing plan.json for %s: %v\n", runID, err)
		os.Exit(1)
	}
	for _, t := range plan.Tasks {
		t.Status = task.StatusPending
		t.Provider = ""
	}
	dag, err := task.New(plan.Tasks, plan.Edges)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: rebuilding DAG for %s: %v\n", runID, err)
		os.Exit(1)
	}

	reg := registry.New(time.Hour)
	reg.Load(map[string]*registry.Capability{
		replayProviderID: {
			ID:       replayProviderID,
			Provider: "mock",
			Skills: map[string]float64{
				string(task.KindGenerate):   1,
				string(task.KindReason):     1,
				string(task.KindTransform):  1,
				string(task.KindSummarize):  1,
				string(task.KindSynthesize): 1,
			},
			ContextWindow: 1 << 20,
		},
	}, []string{replayProviderID})

	overrides := map[task.Kind]string{
		task.KindGenerate:   replayProviderID,
		task.KindReason:     replayProviderID,
		task.KindTransform:  replayProviderID,
		task.KindSummarize:  replayProviderID,
		task.KindSynthesize: replayProviderID,
	}
	rt := router.New(reg, router.WithLogger(log), router.WithOverrides(overrides))

	lim := limiter.New(0, 0)
	factory := provider.NewFactory(func(provider.Kind) string { return "" })
	v := verifier.New(nil)

	replayJournalDir := filepath.Join(journalDir, "replays")
	if err := os.MkdirAll(replayJournalDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: creating replay journal dir: %v\n", err)
		os.Exit(1)
	}
	jr, err := journal.New(replayJournalDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: opening replay journal: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Deps{
		Registry:    reg,
		Router:      rt,
		Limiter:     lim,
		Factory:     factory,
		Verifier:    v,
		Collector:   telemetry.New(),
		Journal:     jr,
		Assembler:   assembler.New(assembler.Synthesize),
		Planner:     &replayPlanner{dag: dag},
		RepairLimit: 1,
		Logger:      log,
	})

	result, err := eng.Run(ctx, "replay:"+runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: replaying %s: %v\n", runID, err)
		os.Exit(1)
	}
	fmt.Println(result.Output.Text)
	if showStats {
		printStats(result.Stats)
	}
}
