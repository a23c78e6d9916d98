// Package config loads the capabilities table from its JSON or YAML file,
// and the engine's runtime tunables from environment variables (a .env
// file fills in variables the process environment does not already set)
// over hard-coded defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petec4244/ai3orchestrator/pkg/registry"
)

// CapabilitiesFile is the on-disk shape of the capabilities configuration
// (JSON canonical, YAML accepted).
type CapabilitiesFile struct {
	TelemetryWindowHours int                            `json:"telemetry_window_hours" yaml:"telemetry_window_hours"`
	Models               map[string]*registry.Capability `json:"models" yaml:"models" validate:"required,dive"`
}

var validate = validator.New()

// LoadCapabilities reads a JSON or YAML capabilities file (by extension)
// and validates it. Returns ErrConfig on any I/O, parse, or validation
// failure — capabilities loading is fatal at startup per the engine's
// error taxonomy.
func LoadCapabilities(path string) (*CapabilitiesFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	var f CapabilitiesFile
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(raw, &f)
	} else {
		err = json.Unmarshal(raw, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}

	for id, c := range f.Models {
		c.ID = id
	}

	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("%w: validating %s: %v", ErrConfig, path, err)
	}
	for id, c := range f.Models {
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("%w: model %q: %v", ErrConfig, id, err)
		}
	}

	if f.TelemetryWindowHours <= 0 {
		f.TelemetryWindowHours = 24
	}
	return &f, nil
}

// ModelOrder returns model IDs in declaration order, used as the router's
// fallback-provider order. A map[string]*Capability unmarshal does not
// preserve key order, so this re-reads the raw file as a token stream.
func ModelOrder(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		var doc yaml.Node
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		return yamlModelOrder(&doc), nil
	}
	return jsonModelOrder(raw)
}

// Engine holds the environment-driven tunables listed for the engine.
type Engine struct {
	MaxConcurrency            int
	MaxConcurrencyPerProvider int
	VerifyEnabled             bool
	RepairLimit               int
	PlannerModel              string
	PlannerMaxTokens          int
	PlannerTemperature        float64
	RedisAddr                 string
	LogLevel                  string
}

// LoadEngine reads AI3_* environment variables (after loading a .env file
// if present) with the defaults spec.md names.
func LoadEngine(envFile string) Engine {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	return Engine{
		MaxConcurrency:            envInt("AI3_MAX_CONCURRENCY", 5),
		MaxConcurrencyPerProvider: envInt("AI3_MAX_CONCURRENCY_PER_PROVIDER", 3),
		VerifyEnabled:             envBool("AI3_VERIFY", true),
		RepairLimit:               envInt("AI3_REPAIR_LIMIT", 1),
		PlannerModel:              os.Getenv("AI3_PLANNER_MODEL"),
		PlannerMaxTokens:          envInt("AI3_PLANNER_MAXTOK", 2048),
		PlannerTemperature:        envFloat("AI3_PLANNER_TEMPERATURE", 0.2),
		RedisAddr:                 os.Getenv("AI3_REDIS_ADDR"),
		LogLevel:                 envString("AI3_LOG_LEVEL", "INFO"),
	}
}

// ProviderAPIKey looks up the API key env var for a provider kind, e.g.
// "anthropic" -> ANTHROPIC_API_KEY.
func ProviderAPIKey(provider string) string {
	return os.Getenv(strings.ToUpper(provider) + "_API_KEY")
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
