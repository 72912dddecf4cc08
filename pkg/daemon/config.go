package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nous-labs/council/pkg/expert"
)

// Config is the full council configuration. Durations are strings in
// time.ParseDuration form ("90s", "6h").
type Config struct {
	HTTPAddr   string                      `json:"http_addr,omitempty"`
	LogLevel   string                      `json:"log_level,omitempty"`
	LogFormat  string                      `json:"log_format,omitempty"`
	Ollama     OllamaConfig                `json:"ollama"`
	Router     RouterConfig                `json:"router"`
	Generation map[string]GenerationConfig `json:"generation,omitempty"`
	Embeddings EmbeddingsConfig            `json:"embeddings"`
	Knowledge  KnowledgeConfig             `json:"knowledge"`
	Research   ResearchConfig              `json:"research"`
	Journal    JournalConfig               `json:"journal"`
	Janitor    JanitorConfig               `json:"janitor"`
	Matrix     MatrixConfig                `json:"matrix"`
}

// OllamaConfig holds the inference backend settings.
type OllamaConfig struct {
	URL           string            `json:"url,omitempty"`
	Models        map[string]string `json:"models,omitempty"` // category → model tag
	LoadTimeout   string            `json:"load_timeout,omitempty"`
	UnloadTimeout string            `json:"unload_timeout,omitempty"`
}

type RouterConfig struct {
	Threshold float64 `json:"threshold,omitempty"`
}

// GenerationConfig overrides the per-category generation defaults.
type GenerationConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

type EmbeddingsConfig struct {
	Provider string `json:"provider,omitempty"` // tei, ollama, genai
	URL      string `json:"url,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"` // can use env var reference: "$GEMINI_API_KEY"
	Prefixes bool   `json:"prefixes,omitempty"`
}

type KnowledgeConfig struct {
	Enabled          bool   `json:"enabled"`
	PostgresURL      string `json:"postgres_url,omitempty"`
	Dimensions       int    `json:"dimensions,omitempty"`
	K                int    `json:"k,omitempty"`
	MaxCharsPerChunk int    `json:"max_chars_per_chunk,omitempty"`
	Subject          string `json:"subject,omitempty"`
	SyncInterval     string `json:"sync_interval,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
}

type ResearchConfig struct {
	Enabled    bool           `json:"enabled"`
	MaxResults int            `json:"max_results,omitempty"`
	SearchURL  string         `json:"search_url,omitempty"`
	Synthesis  ProviderConfig `json:"synthesis"`
	Timeout    string         `json:"timeout,omitempty"`
}

// ProviderConfig holds settings for a single completion provider.
type ProviderConfig struct {
	Provider    string  `json:"provider,omitempty"` // ollama, anthropic, openai
	Model       string  `json:"model,omitempty"`
	APIKey      string  `json:"api_key,omitempty"` // can use env var reference: "$ANTHROPIC_API_KEY"
	BaseURL     string  `json:"base_url,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxOutput   int     `json:"max_output,omitempty"`
}

type JournalConfig struct {
	Path string `json:"path,omitempty"`
}

type JanitorConfig struct {
	Disabled  bool   `json:"disabled,omitempty"`
	Interval  string `json:"interval,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// MatrixConfig holds Matrix connection settings. The bridge is off while
// Homeserver is empty.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver,omitempty"`    // e.g., http://synapse:8008
	UserID       string   `json:"user_id,omitempty"`       // localpart, e.g. "council"
	Password     string   `json:"password,omitempty"`      // can use env var reference
	ServerName   string   `json:"server_name,omitempty"`   // e.g., matrix.example.com
	AllowedUsers []string `json:"allowed_users,omitempty"` // who can talk to the council
	DataDir      string   `json:"data_dir,omitempty"`
}

// LoadConfig builds the configuration from environment defaults, the file
// at path (JSON or YAML by extension), and the COUNCIL_PRIVATE_CONFIG
// overlay, in that order.
func LoadConfig(path string) (*Config, error) {
	layers := []string{path, os.Getenv("COUNCIL_PRIVATE_CONFIG")}

	tree, err := toTree(defaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	for _, p := range layers {
		if p == "" {
			continue
		}
		layer, err := readLayer(p)
		if err != nil {
			return nil, err
		}
		overlay(tree, layer)
	}

	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for _, field := range []*string{
		&cfg.HTTPAddr,
		&cfg.Ollama.URL,
		&cfg.Embeddings.URL,
		&cfg.Embeddings.APIKey,
		&cfg.Knowledge.PostgresURL,
		&cfg.Research.SearchURL,
		&cfg.Research.Synthesis.APIKey,
		&cfg.Research.Synthesis.BaseURL,
		&cfg.Journal.Path,
		&cfg.Matrix.Homeserver,
		&cfg.Matrix.Password,
		&cfg.Matrix.DataDir,
	} {
		*field = resolveEnv(*field)
	}
	cfg.Journal.Path = expandHome(cfg.Journal.Path)
	cfg.Matrix.DataDir = expandHome(cfg.Matrix.DataDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readLayer decodes one config file, JSON or YAML by extension.
func readLayer(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	layer := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &layer)
	default:
		err = json.Unmarshal(data, &layer)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return layer, nil
}

func toTree(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tree := map[string]any{}
	return tree, json.Unmarshal(raw, &tree)
}

// overlay writes src into dst. Nested objects merge key by key; any other
// value replaces what dst had.
func overlay(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		if cur, ok := dst[k].(map[string]any); ok {
			overlay(cur, sub)
		} else {
			dst[k] = sub
		}
	}
}

func (c *Config) validate() error {
	for name := range c.Ollama.Models {
		if _, err := expert.Parse(name); err != nil {
			return fmt.Errorf("ollama.models: %w", err)
		}
	}
	for name, g := range c.Generation {
		if _, err := expert.Parse(name); err != nil {
			return fmt.Errorf("generation: %w", err)
		}
		if _, err := parseDuration(g.Timeout); err != nil {
			return fmt.Errorf("generation.%s.timeout: %w", name, err)
		}
	}
	durations := map[string]string{
		"ollama.load_timeout":     c.Ollama.LoadTimeout,
		"ollama.unload_timeout":   c.Ollama.UnloadTimeout,
		"knowledge.sync_interval": c.Knowledge.SyncInterval,
		"research.timeout":        c.Research.Timeout,
		"janitor.interval":        c.Janitor.Interval,
		"janitor.retention":       c.Janitor.Retention,
	}
	for key, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.Router.Threshold < 0 || c.Router.Threshold > 1 {
		return fmt.Errorf("router.threshold %v out of range [0,1]", c.Router.Threshold)
	}
	return nil
}

// Models returns the category → model map, defaults filled in.
func (c *Config) Models() map[expert.Category]string {
	out := expert.DefaultModels()
	for name, model := range c.Ollama.Models {
		if cat, err := expert.Parse(name); err == nil && model != "" {
			out[cat] = model
		}
	}
	return out
}

// Params returns the per-category generation overrides.
func (c *Config) Params() map[expert.Category]expert.Params {
	out := make(map[expert.Category]expert.Params, len(c.Generation))
	for name, g := range c.Generation {
		cat, err := expert.Parse(name)
		if err != nil {
			continue
		}
		timeout, _ := parseDuration(g.Timeout)
		out[cat] = expert.Params{Temperature: g.Temperature, MaxTokens: g.MaxTokens, Timeout: timeout}
	}
	return out
}

// Duration parses s, returning fallback when s is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := parseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseDuration accepts time.ParseDuration syntax plus a "d" day suffix.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func defaultConfig() *Config {
	return &Config{
		HTTPAddr:  envOr("COUNCIL_HTTP_ADDR", ":8080"),
		LogLevel:  envOr("COUNCIL_LOG_LEVEL", "info"),
		LogFormat: envOr("COUNCIL_LOG_FORMAT", "text"),
		Ollama: OllamaConfig{
			URL:           envOr("COUNCIL_OLLAMA_URL", "http://localhost:11434"),
			LoadTimeout:   envOr("COUNCIL_LOAD_TIMEOUT", "300s"),
			UnloadTimeout: envOr("COUNCIL_UNLOAD_TIMEOUT", "30s"),
		},
		Embeddings: EmbeddingsConfig{
			Provider: envOr("COUNCIL_EMBED_PROVIDER", "ollama"),
			URL:      envOr("COUNCIL_EMBED_URL", ""),
			Model:    envOr("COUNCIL_EMBED_MODEL", ""),
		},
		Knowledge: KnowledgeConfig{
			Enabled:      envOr("COUNCIL_KNOWLEDGE_ENABLED", "") != "",
			PostgresURL:  envOr("COUNCIL_PG_URL", ""),
			SyncInterval: envOr("COUNCIL_EMBED_SYNC_INTERVAL", "30s"),
			BatchSize:    32,
		},
		Research: ResearchConfig{
			Enabled:    envOr("COUNCIL_RESEARCH_DISABLED", "") == "",
			MaxResults: 5,
			SearchURL:  envOr("COUNCIL_SEARCH_URL", ""),
			Synthesis: ProviderConfig{
				Provider: envOr("COUNCIL_SYNTH_PROVIDER", "ollama"),
				Model:    envOr("COUNCIL_SYNTH_MODEL", "qwen3:8b"),
			},
			Timeout: "120s",
		},
		Journal: JournalConfig{
			Path: envOr("COUNCIL_JOURNAL_PATH", "~/.council/journal.db"),
		},
		Janitor: JanitorConfig{
			Disabled:  envOr("COUNCIL_JANITOR_DISABLED", "") != "",
			Interval:  envOr("COUNCIL_JANITOR_INTERVAL", "6h"),
			Retention: envOr("COUNCIL_JANITOR_RETENTION", "30d"),
		},
		Matrix: MatrixConfig{
			Homeserver: envOr("COUNCIL_MATRIX_HOMESERVER", ""),
			UserID:     envOr("COUNCIL_MATRIX_USER", "council"),
			Password:   envOr("COUNCIL_MATRIX_PASSWORD", ""),
			ServerName: envOr("COUNCIL_MATRIX_SERVER_NAME", ""),
			DataDir:    envOr("COUNCIL_MATRIX_DATA_DIR", "~/.council/matrix"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
