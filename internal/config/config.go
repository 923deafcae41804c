// Package config provides application configuration management using koanf.
// The loaded Config is an immutable snapshot: it is built once at startup and
// threaded through every pipeline stage, never read from ambient state.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig    `koanf:"server"`
	Ollama     OllamaConfig    `koanf:"ollama"`
	Storage    StorageConfig   `koanf:"storage"`
	Retrieval  RetrievalConfig `koanf:"retrieval"`
	Guardrails GuardrailConfig `koanf:"guardrails"`
	Log        LogConfig       `koanf:"log"`
}

// ServerConfig holds HTTP gateway configuration.
type ServerConfig struct {
	Host          string `koanf:"host"`
	Port          int    `koanf:"port"`
	APIKey        string `koanf:"api_key"`         // empty disables the key check
	MaxQueryChars int    `koanf:"max_query_chars"` // questions longer than this are rejected
}

// OllamaConfig holds local inference engine configuration.
type OllamaConfig struct {
	BaseURL    string `koanf:"base_url"`
	LLMModel   string `koanf:"llm_model"`
	EmbedModel string `koanf:"embed_model"`
	TimeoutSec int    `koanf:"timeout"` // per-call timeout for embed and generate
}

// StorageConfig holds database configuration.
type StorageConfig struct {
	DataDir string `koanf:"data_dir"`
}

// RetrievalConfig holds hybrid retrieval configuration.
type RetrievalConfig struct {
	Version       string `koanf:"version"`        // document version filter; empty means all versions
	CandidatePool int    `koanf:"candidate_pool"` // candidates fetched before score filtering
}

// GuardrailConfig holds the numeric thresholds and modes of the decision
// engine. These values form the configuration snapshot recorded on every
// Query.
type GuardrailConfig struct {
	MinScore           float64 `koanf:"min_score"`           // candidates below this are discarded
	ConfidenceScore    float64 `koanf:"confidence_score"`    // top score below this refuses with WEAK_SIMILARITY
	TopK               int     `koanf:"top_k"`               // hard cap on surviving candidates
	MaxContextChars    int     `koanf:"max_context_chars"`   // size cap on the assembled context
	Strict             bool    `koanf:"strict"`              // refuse instead of truncating/stripping
	InjectionTolerance float64 `koanf:"injection_tolerance"` // strict mode: max stripped-to-original char ratio
	CitationPolicy     string  `koanf:"citation_policy"`     // "any" (>=1 citation) or "all" (per-claim)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "console" or "json"
}

// Load loads configuration with precedence:
//  1. built-in defaults
//  2. config.yaml / config.json in the working directory (if present)
//  3. ONPREM_* environment variables (highest)
func Load() (Config, error) {
	k := koanf.New(".")

	setDefaults(k)
	loadConfigFiles(k)

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: "ONPREM_",
		TransformFunc: func(key, value string) (string, any) {
			// ONPREM_GUARDRAILS_MIN_SCORE -> guardrails.min_score
			key = strings.ToLower(strings.TrimPrefix(key, "ONPREM_"))
			key = strings.Replace(key, "_", ".", 1)
			return key, value
		},
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.host":            "127.0.0.1",
		"server.port":            4000,
		"server.max_query_chars": 2000,

		"ollama.base_url":    "http://localhost:11434",
		"ollama.llm_model":   "llama3.1:8b",
		"ollama.embed_model": "nomic-embed-text",
		"ollama.timeout":     20,

		"storage.data_dir": defaultDataDir(),

		"retrieval.version":        "v1",
		"retrieval.candidate_pool": 25,

		"guardrails.min_score":           0.35,
		"guardrails.confidence_score":    0.35,
		"guardrails.top_k":               5,
		"guardrails.max_context_chars":   6000,
		"guardrails.strict":              false,
		"guardrails.injection_tolerance": 0.2,
		"guardrails.citation_policy":     "any",

		"log.level":  "info",
		"log.format": "console",
	}
	for key, value := range defaults {
		_ = k.Set(key, value)
	}
}

func loadConfigFiles(k *koanf.Koanf) {
	if _, err := os.Stat("config.yaml"); err == nil {
		if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
			log.Warn().Err(err).Msg("failed to load config.yaml")
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		if err := k.Load(file.Provider("config.json"), json.Parser()); err != nil {
			log.Warn().Err(err).Msg("failed to load config.json")
		}
	}
}

func validate(cfg *Config) error {
	g := cfg.Guardrails
	if g.MinScore < 0 || g.MinScore > 1 {
		return fmt.Errorf("guardrails.min_score must be in [0,1], got %v", g.MinScore)
	}
	if g.ConfidenceScore < 0 || g.ConfidenceScore > 1 {
		return fmt.Errorf("guardrails.confidence_score must be in [0,1], got %v", g.ConfidenceScore)
	}
	if g.ConfidenceScore < g.MinScore {
		return fmt.Errorf("guardrails.confidence_score (%v) must be >= guardrails.min_score (%v)", g.ConfidenceScore, g.MinScore)
	}
	if g.TopK <= 0 {
		return fmt.Errorf("guardrails.top_k must be positive, got %d", g.TopK)
	}
	if g.MaxContextChars <= 0 {
		return fmt.Errorf("guardrails.max_context_chars must be positive, got %d", g.MaxContextChars)
	}
	if g.InjectionTolerance < 0 || g.InjectionTolerance > 1 {
		return fmt.Errorf("guardrails.injection_tolerance must be in [0,1], got %v", g.InjectionTolerance)
	}
	if g.CitationPolicy != "any" && g.CitationPolicy != "all" {
		return fmt.Errorf("guardrails.citation_policy must be \"any\" or \"all\", got %q", g.CitationPolicy)
	}
	if cfg.Retrieval.CandidatePool < g.TopK {
		return fmt.Errorf("retrieval.candidate_pool (%d) must be >= guardrails.top_k (%d)", cfg.Retrieval.CandidatePool, g.TopK)
	}
	if cfg.Server.MaxQueryChars <= 0 {
		return fmt.Errorf("server.max_query_chars must be positive, got %d", cfg.Server.MaxQueryChars)
	}
	if cfg.Ollama.TimeoutSec <= 0 {
		return fmt.Errorf("ollama.timeout must be positive, got %d", cfg.Ollama.TimeoutSec)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".onprem-rag"
	}
	return home + "/.onprem-rag"
}
