// Package config loads and holds all router configuration.
// Settings are layered: defaults → router-config.yaml → environment
// variables (env vars win), the same layering the teacher proxy uses.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full router configuration: the pipeline policy table
// plus the ambient process settings this lineage's config always carries
// (ports, log level, management token).
type Config struct {
	// Process / ambient
	APIPort         int    `yaml:"apiPort"`
	ManagementPort  int    `yaml:"managementPort"`
	BindAddress     string `yaml:"bindAddress"`
	LogLevel        string `yaml:"logLevel"`
	ManagementToken string `yaml:"managementToken"`

	// Pipeline policy
	MaxFragments             int           `yaml:"maxFragments"`
	MaxInFlight              int           `yaml:"maxInFlight"`
	FragmentTimeout          time.Duration `yaml:"fragmentTimeout"`
	TotalDeadline            time.Duration `yaml:"totalDeadline"`
	Retries                  int           `yaml:"retries"`
	RetryAlternateProvider   bool          `yaml:"retryAlternateProvider"`
	ChunkSizeCap             int           `yaml:"chunkSizeCap"`
	MinProvidersForSensitive int           `yaml:"minProvidersForSensitive"`
	HealthProbeInterval      time.Duration `yaml:"healthProbeInterval"`
	MaxReplay                int           `yaml:"maxReplay"`
	StateTTL                 time.Duration `yaml:"stateTtl"`
	PrivacyLevel             string        `yaml:"privacyLevel"`

	// Provider router scoring weights
	RouterWeightPriority float64 `yaml:"routerWeightPriority"`
	RouterWeightCost     float64 `yaml:"routerWeightCost"`
	RouterWeightLatency  float64 `yaml:"routerWeightLatency"`

	// StateStore backend selection: "bbolt" (default) or "redis".
	StateStoreBackend string `yaml:"stateStoreBackend"`
	StateStorePath    string `yaml:"stateStorePath"`
	RedisAddr         string `yaml:"redisAddr"`

	// ProvidersPersistPath is where the management API's provider add/remove
	// changes survive a restart; health overrides are not saved. Empty
	// disables persistence (in-memory only).
	ProvidersPersistPath string `yaml:"providersPersistPath"`

	// Optional Ollama-backed entity recognizer, kept from the teacher's
	// Ollama layering. When UseAIDetector is set it takes the place of the
	// heuristic entity recognizer.
	AIDetectorEndpoint string  `yaml:"aiDetectorEndpoint"`
	AIDetectorModel    string  `yaml:"aiDetectorModel"`
	UseAIDetector      bool    `yaml:"useAIDetector"`
	AIConfidence       float64 `yaml:"aiConfidenceThreshold"`

	// Providers statically seeds the ProviderRegistry and the Dispatch
	// Scheduler's client resolver at startup. The management API can add
	// further provider IDs at runtime, but the resolver only holds
	// HTTPClients for the providers listed here, so dispatch to any other ID
	// fails as PROVIDER_ERROR — it has no endpoint/apiKey fields of its own, by
	// design (spec.md §1 treats ProviderClient as an external collaborator
	// the router does not construct on the fly from untrusted input).
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one statically-configured LLM provider endpoint.
type ProviderConfig struct {
	ID           string   `yaml:"id"`
	Endpoint     string   `yaml:"endpoint"`
	APIKey       string   `yaml:"apiKey"`
	CostPerToken float64  `yaml:"costPerToken"`
	Capabilities []string `yaml:"capabilities"`
}

// Load returns config with defaults overridden by router-config.yaml and
// then by environment variables.
func Load() *Config {
	cfg := Defaults()
	loadFile(cfg, "router-config.yaml")
	loadEnv(cfg)
	return cfg
}

// Defaults returns the built-in default configuration.
func Defaults() *Config {
	return &Config{
		APIPort:        8090,
		ManagementPort: 8091,
		BindAddress:    "127.0.0.1",
		LogLevel:       "info",

		MaxFragments:             5,
		MaxInFlight:              8,
		FragmentTimeout:          8 * time.Second,
		TotalDeadline:            30 * time.Second,
		Retries:                  2,
		RetryAlternateProvider:   true,
		ChunkSizeCap:             400,
		MinProvidersForSensitive: 2,
		HealthProbeInterval:      30 * time.Second,
		MaxReplay:                64,
		StateTTL:                 time.Hour,
		PrivacyLevel:             "MEDIUM",

		RouterWeightPriority: 0.5,
		RouterWeightCost:     0.3,
		RouterWeightLatency:  0.2,

		StateStoreBackend: "bbolt",
		StateStorePath:    "router-state.db",
		RedisAddr:         "localhost:6379",

		ProvidersPersistPath: "providers.json",

		AIDetectorEndpoint: "http://localhost:11434",
		AIDetectorModel:    "qwen2.5:3b",
		UseAIDetector:      true,
		AIConfidence:       0.7,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
		return
	}
	log.Printf("[CONFIG] Loaded %s", path)
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("MAX_FRAGMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxFragments = n
		}
	}
	if v := os.Getenv("MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxInFlight = n
		}
	}
	if v := os.Getenv("FRAGMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FragmentTimeout = d
		}
	}
	if v := os.Getenv("TOTAL_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TotalDeadline = d
		}
	}
	if v := os.Getenv("RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Retries = n
		}
	}
	if v := os.Getenv("RETRY_ALTERNATE_PROVIDER"); v == "false" {
		cfg.RetryAlternateProvider = false
	}
	if v := os.Getenv("CHUNK_SIZE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChunkSizeCap = n
		}
	}
	if v := os.Getenv("MIN_PROVIDERS_FOR_SENSITIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MinProvidersForSensitive = n
		}
	}
	if v := os.Getenv("HEALTH_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HealthProbeInterval = d
		}
	}
	if v := os.Getenv("MAX_REPLAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxReplay = n
		}
	}
	if v := os.Getenv("STATE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StateTTL = d
		}
	}
	if v := os.Getenv("PRIVACY_LEVEL"); v != "" {
		cfg.PrivacyLevel = v
	}
	if v := os.Getenv("STATE_STORE_BACKEND"); v != "" {
		cfg.StateStoreBackend = v
	}
	if v := os.Getenv("STATE_STORE_PATH"); v != "" {
		cfg.StateStorePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("PROVIDERS_PERSIST_PATH"); v != "" {
		cfg.ProvidersPersistPath = v
	}
	if v := os.Getenv("AI_DETECTOR_ENDPOINT"); v != "" {
		cfg.AIDetectorEndpoint = v
	}
	if v := os.Getenv("AI_DETECTOR_MODEL"); v != "" {
		cfg.AIDetectorModel = v
	}
	if v := os.Getenv("USE_AI_DETECTOR"); v == "false" {
		cfg.UseAIDetector = false
	}
	if v := os.Getenv("AI_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AIConfidence = f
		}
	}
}
