package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultNamespace      = "default"
	DefaultModelSpec      = "ollama:llama3"
	DefaultEmbedModelSpec = "ollama:nomic-embed-text"
)

// FallbackMode controls whether the delivery path may attempt streaming.
type FallbackMode string

const (
	FallbackAuto  FallbackMode = "auto"
	FallbackForce FallbackMode = "force"
)

// NamespaceConfig holds per-namespace model overrides.
type NamespaceConfig struct {
	Model      string `json:"model,omitempty"`
	EmbedModel string `json:"embed_model,omitempty"`
}

type Config struct {
	HTTPPort    string
	DatabaseURL string
	LogLevel    string
	DataDir     string

	Namespace      string
	ChatModelSpec  string
	EmbedModelSpec string

	OllamaHost   string
	GeminiAPIKey string

	// Delivery timing. StreamTimeout bounds the streaming attempt and is
	// expected to be shorter than ChatTimeout, which bounds the whole request.
	StreamTimeout          time.Duration
	ChatTimeout            time.Duration
	StreamFallback         FallbackMode
	StreamSilenceWindow    time.Duration
	StreamMaxReconnects    int
	StreamReconnectBackoff time.Duration

	NamespaceOverrides map[string]NamespaceConfig

	// Sources records where each resolved value came from (default, env,
	// namespace:<ns>), mirrored into model selections for diagnostics.
	Sources map[string]string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "yo_chat.db"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		DataDir:     getEnv("YO_DATA_DIR", "data"),

		Namespace:      DefaultNamespace,
		ChatModelSpec:  DefaultModelSpec,
		EmbedModelSpec: DefaultEmbedModelSpec,

		OllamaHost:   getEnv("YO_OLLAMA_HOST", "http://127.0.0.1:11434"),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),

		StreamTimeout:          getEnvAsDuration("YO_CHAT_STREAM_TIMEOUT", 8*time.Second),
		ChatTimeout:            getEnvAsDuration("YO_CHAT_TIMEOUT", 30*time.Second),
		StreamFallback:         FallbackAuto,
		StreamSilenceWindow:    getEnvAsDuration("YO_STREAM_SILENCE_WINDOW", 10*time.Second),
		StreamMaxReconnects:    getEnvAsInt("YO_STREAM_MAX_RECONNECTS", 3),
		StreamReconnectBackoff: getEnvAsDuration("YO_STREAM_RECONNECT_BACKOFF", 500*time.Millisecond),

		NamespaceOverrides: map[string]NamespaceConfig{},
		Sources: map[string]string{
			"namespace":   "default",
			"model":       "default",
			"embed_model": "default",
		},
	}

	if ns := strings.TrimSpace(getEnv("YO_NAMESPACE", "")); ns != "" {
		cfg.Namespace = ns
		cfg.Sources["namespace"] = "env"
	}
	if spec := strings.TrimSpace(getEnv("YO_MODEL", "")); spec != "" {
		cfg.ChatModelSpec = spec
		cfg.Sources["model"] = "env"
	}
	if spec := strings.TrimSpace(getEnv("YO_EMBED_MODEL", "")); spec != "" {
		cfg.EmbedModelSpec = spec
		cfg.Sources["embed_model"] = "env"
	}
	if mode := strings.ToLower(strings.TrimSpace(getEnv("YO_CHAT_STREAM_FALLBACK", ""))); mode == string(FallbackForce) {
		cfg.StreamFallback = FallbackForce
	}

	cfg.NamespaceOverrides = loadNamespaceOverrides(cfg.DataDir)
	return cfg
}

// ParseModelSpec splits "provider:model" into its parts. A bare model name
// defaults to the ollama provider.
func ParseModelSpec(spec string) (provider, model string) {
	cleaned := strings.TrimSpace(spec)
	if cleaned == "" {
		return "ollama", ""
	}
	if idx := strings.Index(cleaned, ":"); idx >= 0 {
		return strings.ToLower(strings.TrimSpace(cleaned[:idx])), strings.TrimSpace(cleaned[idx+1:])
	}
	return "ollama", cleaned
}

func loadNamespaceOverrides(dataDir string) map[string]NamespaceConfig {
	overrides := map[string]NamespaceConfig{}
	path := filepath.Join(dataDir, "namespace_meta.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return overrides
	}
	var meta map[string]struct {
		Config NamespaceConfig `json:"config"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		log.Printf("Failed to parse namespace metadata at %s: %v", path, err)
		return overrides
	}
	for ns, entry := range meta {
		overrides[ns] = entry.Config
	}
	return overrides
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	// Accept both Go duration strings ("500ms") and bare seconds ("0.3").
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if seconds, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	return defaultValue
}
