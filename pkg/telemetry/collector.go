package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// CallRecord is one provider-call outcome recorded during a run.
type CallRecord struct {
	TaskID   string    `json:"task_id"`
	Provider string    `json:"provider"`
	Success  bool      `json:"success"`
	Latency  time.Duration `json:"latency"`
	Cost     float64   `json:"cost"`
	Tokens   int       `json:"tokens"`
	At       time.Time `json:"at"`
}

// DecisionRecord is one router decision recorded during a run.
type DecisionRecord struct {
	TaskID   string  `json:"task_id"`
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
}

// aggregate is the historical, persisted per-provider rollup.
type aggregate struct {
	Calls             int     `json:"calls"`
	Successes         int     `json:"successes"`
	CumulativeLatency float64 `json:"cumulative_latency_ms"`
	CumulativeCost    float64 `json:"cumulative_cost"`
	CumulativeTokens  int     `json:"cumulative_tokens"`
}

// ProviderStats is what the router consults for a provider with history.
type ProviderStats struct {
	SuccessRate float64
	LatencyMS   float64
	AvgCost     float64
	HasHistory  bool
}

const (
	defaultSuccessRate = 0.8

	// DefaultRedisKey is the key historical aggregates are stored under
	// when a Collector is Redis-backed via ConfigureRedis.
	DefaultRedisKey = "ai3orchestrator:telemetry:historical"
)

// Collector is the process telemetry store: an in-memory run-scoped log
// of calls/decisions, plus historical per-provider aggregates persisted
// to a JSON file at run finalization and loaded at engine startup.
type Collector struct {
	mu         sync.Mutex
	calls      []CallRecord
	decisions  []DecisionRecord
	historical map[string]*aggregate

	redis    *redis.Client
	redisKey string
}

// New builds an empty Collector.
func New() *Collector {
	return &Collector{historical: make(map[string]*aggregate)}
}

// ConfigureRedis points the collector's Persist/Load calls at a Redis key
// instead of a local file, so historical aggregates survive across
// processes sharing the same Redis instance. Passing a nil client
// reverts to file-backed persistence.
func (c *Collector) ConfigureRedis(client *redis.Client, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redis = client
	c.redisKey = key
}

// RecordCall appends a call record to the current run's log and folds it
// into the provider's historical aggregate.
func (c *Collector) RecordCall(rec CallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, rec)

	agg, ok := c.historical[rec.Provider]
	if !ok {
		agg = &aggregate{}
		c.historical[rec.Provider] = agg
	}
	agg.Calls++
	if rec.Success {
		agg.Successes++
	}
	agg.CumulativeLatency += float64(rec.Latency.Milliseconds())
	agg.CumulativeCost += rec.Cost
	agg.CumulativeTokens += rec.Tokens
}

// RecordDecision appends a router decision to the current run's log.
func (c *Collector) RecordDecision(rec DecisionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, rec)
}

// Calls returns the current run's call log, in recording order.
func (c *Collector) Calls() []CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CallRecord(nil), c.calls...)
}

// Decisions returns the current run's decision log, in recording order.
func (c *Collector) Decisions() []DecisionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DecisionRecord(nil), c.decisions...)
}

// TotalCost sums cost across every recorded call in the current run.
func (c *Collector) TotalCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, rec := range c.calls {
		total += rec.Cost
	}
	return total
}

// ProviderStats returns the router-facing rollup for a provider. When the
// provider has no history it returns conservative defaults: success rate
// 0.8 and the capability's own default latency estimate.
func (c *Collector) ProviderStats(provider string, capabilityDefaultLatencyMS float64) ProviderStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg, ok := c.historical[provider]
	if !ok || agg.Calls == 0 {
		return ProviderStats{SuccessRate: defaultSuccessRate, LatencyMS: capabilityDefaultLatencyMS, HasHistory: false}
	}

	calls := float64(agg.Calls)
	return ProviderStats{
		SuccessRate: float64(agg.Successes) / calls,
		LatencyMS:   agg.CumulativeLatency / calls,
		AvgCost:     agg.CumulativeCost / calls,
		HasHistory:  true,
	}
}

// persistedAggregates is the on-disk shape for Persist/Load.
type persistedAggregates struct {
	Providers map[string]*aggregate `json:"providers"`
}

// Persist writes the historical aggregates as JSON, to the configured
// Redis key when ConfigureRedis was called, otherwise to path on the
// local filesystem.
func (c *Collector) Persist(path string) error {
	c.mu.Lock()
	payload := persistedAggregates{Providers: c.historical}
	client, key := c.redis, c.redisKey
	c.mu.Unlock()

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Set(ctx, key, raw, 0).Err()
	}
	return os.WriteFile(path, raw, 0o644)
}

// Load reads historical aggregates from the configured Redis key when
// ConfigureRedis was called, otherwise from path on the local
// filesystem. A missing key or file is not an error — the collector
// simply starts with no history.
func (c *Collector) Load(path string) error {
	c.mu.Lock()
	client, key := c.redis, c.redisKey
	c.mu.Unlock()

	var raw []byte
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		val, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw = val
	} else {
		v, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		raw = v
	}

	var payload persistedAggregates
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if payload.Providers != nil {
		c.historical = payload.Providers
	}
	return nil
}
