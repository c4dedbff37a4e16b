package kgraph

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Rob-P-Smith/kgraph/extract"
	"github.com/Rob-P-Smith/kgraph/graph"
	"github.com/Rob-P-Smith/kgraph/llm"
	"github.com/Rob-P-Smith/kgraph/ner"
	"github.com/Rob-P-Smith/kgraph/pipeline"
)

// ServiceName and ServiceVersion identify the service in the root and health
// endpoints.
const (
	ServiceName    = "kgraph"
	ServiceVersion = "1.0.0"
)

// Config holds all configuration for the service.
type Config struct {
	// Host and Port for the HTTP listener.
	Host string `json:"host"`
	Port int    `json:"port"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// RequestTimeout bounds one inbound ingest request. Extraction over long
	// documents is slow, so the default is generous.
	RequestTimeout time.Duration `json:"request_timeout"`

	// Graph is the Neo4j connection configuration.
	Graph graph.Config `json:"graph"`

	// LLM is the completion-server client configuration.
	LLM llm.Config `json:"llm"`

	// NER is the entity-model client configuration.
	NER ner.Config `json:"ner"`

	// Extractor configures the unified KG extractor and its gate.
	Extractor extract.Config `json:"extractor"`

	// Pipeline selects the extraction branch and optional behaviors.
	Pipeline pipeline.Config `json:"pipeline"`

	// VectorDBPath optionally points at the upstream SQLite vector index for
	// full-text chunk hydration. Empty disables hydration.
	VectorDBPath string `json:"vector_db_path"`
}

// DefaultConfig returns a Config with defaults for a local deployment.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8088,
		LogLevel:       "info",
		RequestTimeout: time.Hour,
		Graph:          graph.DefaultConfig(),
		LLM: llm.Config{
			BaseURL:       "http://localhost:8078",
			Timeout:       time.Hour,
			MaxTokens:     65536,
			Temperature:   0.6,
			RetryInterval: 30 * time.Second,
		},
		NER: ner.Config{
			BaseURL:      "http://localhost:8089",
			Model:        "urchade/gliner_large-v2.1",
			Threshold:    ner.DefaultThreshold,
			TaxonomyPath: "taxonomy/entities.yaml",
		},
		Extractor: extract.Config{
			MinConfidence: extract.DefaultMinConfidence,
			MaxConcurrent: 4,
		},
		Pipeline: pipeline.Config{
			UseNER:             false,
			EnableCoOccurrence: false,
		},
	}
}

// FromEnv builds a Config from defaults overridden by environment variables.
// A .env file, when loaded by the caller, feeds the same variables.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	envString(&cfg.Host, "KGRAPH_HOST")
	if err := envInt(&cfg.Port, "KGRAPH_PORT", "API_PORT"); err != nil {
		return cfg, err
	}
	envString(&cfg.LogLevel, "KGRAPH_LOG_LEVEL", "LOG_LEVEL")
	if err := envDuration(&cfg.RequestTimeout, "REQUEST_TIMEOUT"); err != nil {
		return cfg, err
	}

	envString(&cfg.Graph.URI, "NEO4J_URI")
	envString(&cfg.Graph.User, "NEO4J_USERNAME", "NEO4J_USER")
	envString(&cfg.Graph.Password, "NEO4J_PASSWORD")
	envString(&cfg.Graph.Database, "NEO4J_DATABASE")

	envString(&cfg.LLM.BaseURL, "LLM_BASE_URL", "VLLM_BASE_URL")
	if err := envDuration(&cfg.LLM.Timeout, "LLM_TIMEOUT", "VLLM_TIMEOUT"); err != nil {
		return cfg, err
	}

	envString(&cfg.NER.BaseURL, "NER_BASE_URL")
	envString(&cfg.NER.Model, "NER_MODEL", "GLINER_MODEL")
	if err := envFloat(&cfg.NER.Threshold, "NER_THRESHOLD", "GLINER_THRESHOLD"); err != nil {
		return cfg, err
	}
	envString(&cfg.NER.TaxonomyPath, "ENTITY_TAXONOMY_PATH")

	if err := envInt(&cfg.Extractor.MaxConcurrent, "MAX_CONCURRENT_EXTRACTIONS"); err != nil {
		return cfg, err
	}
	if err := envFloat(&cfg.Extractor.MinConfidence, "RELATION_MIN_CONFIDENCE"); err != nil {
		return cfg, err
	}

	envBool(&cfg.Pipeline.UseNER, "USE_NER_ENTITIES", "USE_GLINER_ENTITIES")
	envBool(&cfg.Pipeline.EnableCoOccurrence, "ENABLE_CO_OCCURRENCE")
	cfg.Pipeline.NERThreshold = cfg.NER.Threshold

	envString(&cfg.VectorDBPath, "VECTOR_DB_PATH")

	return cfg, cfg.Validate()
}

// Validate checks the fields that have no usable fallback.
func (c *Config) Validate() error {
	if c.Graph.URI == "" {
		return fmt.Errorf("%w: graph URI is empty", ErrInvalidConfig)
	}
	if c.Graph.Password == "" {
		return fmt.Errorf("%w: graph password is empty", ErrInvalidConfig)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("%w: LLM base URL is empty", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envString(dst *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, keys ...string) error {
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
		}
		*dst = n
		return nil
	}
	return nil
}

func envFloat(dst *float64, keys ...string) error {
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, v)
		}
		*dst = f
		return nil
	}
	return nil
}

func envBool(dst *bool, keys ...string) {
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return
	}
}

func envDuration(dst *time.Duration, keys ...string) error {
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		// Accept plain seconds for compatibility, or a Go duration string.
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, v)
		}
		*dst = d
		return nil
	}
	return nil
}
