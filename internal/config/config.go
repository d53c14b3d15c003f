package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Memory    MemoryConfig    `json:"memory"`
	LLM       LLMConfig       `json:"llm"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Bot       BotConfig       `json:"bot"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

// MemoryConfig tunes the three memory tiers and the compaction path.
type MemoryConfig struct {
	// ShortHistoryLimit is how many recent messages go into the prompt.
	ShortHistoryLimit int `json:"short_history_limit"`
	// SummaryThreshold is the messages_since_summary value at which a
	// compaction job is triggered.
	SummaryThreshold int `json:"summary_threshold"`
	// SummaryNewMessagesLimit caps how many messages one compaction job
	// consumes past the watermark.
	SummaryNewMessagesLimit int `json:"summary_new_messages_limit"`
	// UseQueueForSummary selects background execution of compaction jobs;
	// false runs them inline on the request that crossed the threshold.
	UseQueueForSummary bool   `json:"use_queue_for_summary"`
	QueueWorkers       int    `json:"queue_workers"`
	QueueDepth         int    `json:"queue_depth"`
	SystemPrompt       string `json:"system_prompt"`
}

type LLMConfig struct {
	// OpenRouter-compatible endpoint for chat and summarization.
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	// Separate OpenAI credentials for embeddings; OpenRouter does not
	// serve embedding models.
	EmbeddingAPIKey string        `json:"embedding_api_key"`
	EmbeddingModel  string        `json:"embedding_model"`
	Temperature     float32       `json:"temperature"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

type RetrievalConfig struct {
	Enabled    bool   `json:"enabled"`
	TopK       int    `json:"top_k"`
	Collection string `json:"collection"`
	// Path enables on-disk persistence of the embedded vector index.
	// Empty keeps it in memory; the embeddings table allows a rebuild.
	Path string `json:"path"`
}

type BotConfig struct {
	Token      string `json:"token"`
	BackendURL string `json:"backend_url"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file: defaults plus env overrides.
	}

	var cfg Config
	// Keys in the config file use the json tag names.
	decodeJSON := func(dc *mapstructure.DecoderConfig) { dc.TagName = "json" }
	if err := viper.Unmarshal(&cfg, decodeJSON); err != nil {
		return nil, err
	}

	loadEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "llm_bot")
	viper.SetDefault("database.password", "llm_bot")
	viper.SetDefault("database.database", "llm_bot")
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("memory.short_history_limit", 8)
	viper.SetDefault("memory.summary_threshold", 8)
	viper.SetDefault("memory.summary_new_messages_limit", 200)
	viper.SetDefault("memory.use_queue_for_summary", true)
	viper.SetDefault("memory.queue_workers", 2)
	viper.SetDefault("memory.queue_depth", 64)
	viper.SetDefault("memory.system_prompt",
		"You are a helpful assistant. Answer concisely and politely. "+
			"If you are not sure, say that you are not sure.")

	viper.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	viper.SetDefault("llm.model", "openai/gpt-5-mini")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.request_timeout", 60*time.Second)

	viper.SetDefault("retrieval.enabled", false)
	viper.SetDefault("retrieval.top_k", 5)
	viper.SetDefault("retrieval.collection", "chat_embeddings")
	viper.SetDefault("retrieval.path", "")

	viper.SetDefault("bot.backend_url", "http://localhost:8080")
}

// loadEnvOverrides applies the environment variable names the original
// deployment used, so existing compose files keep working.
func loadEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&cfg.Database.Host, "POSTGRES_HOST")
	if v, ok := envInt("POSTGRES_PORT"); ok {
		cfg.Database.Port = v
	}
	setString(&cfg.Database.User, "POSTGRES_USER")
	setString(&cfg.Database.Password, "POSTGRES_PASSWORD")
	setString(&cfg.Database.Database, "POSTGRES_DB")

	if v, ok := envInt("SHORT_HISTORY_LIMIT"); ok {
		cfg.Memory.ShortHistoryLimit = v
	}
	if v, ok := envInt("SUMMARY_THRESHOLD"); ok {
		cfg.Memory.SummaryThreshold = v
	}
	if v, ok := envInt("SUMMARY_NEW_MESSAGES_LIMIT"); ok {
		cfg.Memory.SummaryNewMessagesLimit = v
	}
	if v, ok := envBool("USE_QUEUE_FOR_SUMMARY"); ok {
		cfg.Memory.UseQueueForSummary = v
	}
	setString(&cfg.Memory.SystemPrompt, "SYSTEM_PROMPT")

	setString(&cfg.LLM.APIKey, "OPENROUTER_API_KEY")
	setString(&cfg.LLM.Model, "OPENROUTER_MODEL")
	setString(&cfg.LLM.EmbeddingAPIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.EmbeddingModel, "OPENAI_EMBEDDING_MODEL")

	if v, ok := envBool("RAG_ENABLED"); ok {
		cfg.Retrieval.Enabled = v
	}
	if v, ok := envInt("RAG_TOP_K"); ok {
		cfg.Retrieval.TopK = v
	}
	setString(&cfg.Retrieval.Collection, "RAG_COLLECTION")
	setString(&cfg.Retrieval.Path, "RAG_INDEX_PATH")

	setString(&cfg.Bot.Token, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Bot.BackendURL, "BACKEND_URL")

	if v, ok := envInt("PORT"); ok {
		cfg.Server.Port = v
	}
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	s := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if s == "" {
		return false, false
	}
	switch s {
	case "1", "true", "yes", "on":
		return true, true
	default:
		return false, true
	}
}
