package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the review generation service.
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Discuss DiscussConfig `mapstructure:"discuss"`
	Storage StorageConfig `mapstructure:"storage"`
	Vector  VectorConfig  `mapstructure:"vector"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains LLM provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration.
type LLMProvider struct {
	Type           string              `mapstructure:"type"` // openai or any openai-compatible endpoint
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	EmbeddingModel string              `mapstructure:"embedding_model"`
	Models         map[string]LLMModel `mapstructure:"models"`
	MaxRetries     int                 `mapstructure:"max_retries"`
	Timeout        time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig defines which model to use for different tasks.
type LLMRoutingConfig struct {
	Reasoning string `mapstructure:"reasoning"` // query planning, intent analysis
	Writing   string `mapstructure:"writing"`   // section prose, summaries, replies
	Fallback  string `mapstructure:"fallback"`
}

// EngineConfig contains defaults for the section-generation loop.
type EngineConfig struct {
	MaxIterations       int           `mapstructure:"max_iterations"`
	TopKPerSection      int           `mapstructure:"top_k_per_section"`
	TopKAccepted        int           `mapstructure:"top_k_accepted_results"`
	MinSectionEvidence  int           `mapstructure:"min_section_evidence"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	SectionTimeout      time.Duration `mapstructure:"section_timeout"`
	SummaryArticleCount int           `mapstructure:"summary_article_reference_cnt"`
}

// CacheConfig contains generated-content cache settings.
type CacheConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// DiscussConfig contains discussion-thread settings.
type DiscussConfig struct {
	HistoryLimit   int `mapstructure:"history_limit"`
	TopKPerReply   int `mapstructure:"top_k_per_reply"`
	ListLimitMax   int `mapstructure:"list_limit_max"`
	DefaultListLen int `mapstructure:"default_list_len"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN builds a postgres connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// VectorConfig contains Milvus connection settings.
type VectorConfig struct {
	URI               string        `mapstructure:"uri"`
	Token             string        `mapstructure:"token"`
	DBName            string        `mapstructure:"db_name"`
	DefaultCollection string        `mapstructure:"default_collection"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("deepreview")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("DEEPREVIEW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")

	viper.SetDefault("server.address", ":10002")

	viper.SetDefault("llm.routing.reasoning", "gpt-4o")
	viper.SetDefault("llm.routing.writing", "gpt-4o")
	viper.SetDefault("llm.routing.fallback", "gpt-4o-mini")

	viper.SetDefault("engine.max_iterations", 3)
	viper.SetDefault("engine.top_k_per_section", 20)
	viper.SetDefault("engine.top_k_accepted_results", 20)
	viper.SetDefault("engine.min_section_evidence", 3)
	viper.SetDefault("engine.max_retries", 3)
	viper.SetDefault("engine.retry_backoff", "2s")
	viper.SetDefault("engine.section_timeout", "5m")
	viper.SetDefault("engine.summary_article_reference_cnt", 10)

	viper.SetDefault("cache.ttl", "720h") // 30 days
	viper.SetDefault("cache.lock_ttl", "2m")

	viper.SetDefault("discuss.history_limit", 10)
	viper.SetDefault("discuss.top_k_per_reply", 5)
	viper.SetDefault("discuss.list_limit_max", 100)
	viper.SetDefault("discuss.default_list_len", 20)

	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", 6379)
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.timeout", "5s")
	viper.SetDefault("storage.postgres.port", 5432)
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.postgres.timeout", "5s")

	viper.SetDefault("vector.uri", "http://localhost:19530")
	viper.SetDefault("vector.db_name", "default")
	viper.SetDefault("vector.default_collection", "deepreview")
	viper.SetDefault("vector.timeout", "10s")
}

func overrideFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		viper.Set("llm.providers.openai.api_key", apiKey)
		viper.Set("llm.providers.openai.type", "openai")
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("storage.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("storage.redis.password", password)
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		viper.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.postgres.port", p)
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		viper.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		viper.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		viper.Set("storage.postgres.dbname", db)
	}
	if uri := os.Getenv("MILVUS_URI"); uri != "" {
		viper.Set("vector.uri", uri)
	}
	if token := os.Getenv("MILVUS_TOKEN"); token != "" {
		viper.Set("vector.token", token)
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.LLM.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured")
	}
	if cfg.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be > 0")
	}
	if cfg.Engine.TopKAccepted <= 0 || cfg.Engine.TopKPerSection <= 0 {
		return fmt.Errorf("engine top_k settings must be > 0")
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	return nil
}
