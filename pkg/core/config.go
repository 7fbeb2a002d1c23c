package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/oceanbase/memtier-go/pkg/consolidation"
	"github.com/oceanbase/memtier-go/pkg/policy"
	"github.com/oceanbase/memtier-go/pkg/worldstate"
)

// Config contains the complete configuration for a memtier client.
//
// It includes settings for:
//   - Tier store (short-term records, memory or Redis)
//   - Durable stores (long-term documents, edges and vectors)
//   - Embedding provider (called during consolidation)
//   - Decay policy, consolidation and world state retention
//   - Runtime (timeouts, logging) and the HTTP server
//
// Durations are whole seconds, matching the environment variables.
//
// Example:
//
//	config := core.DefaultConfig()
//	config.Durable.SQLitePath = "./memtier.db"
//	config.Embedder = core.EmbedderConfig{
//	    Provider:   "openai",
//	    APIKey:     "sk-...",
//	    Model:      "text-embedding-ada-002",
//	    Dimensions: 1536,
//	}
type Config struct {
	// TierStore contains short-term tier configuration.
	TierStore TierStoreConfig `json:"tier_store"`

	// Durable contains long-term store configuration.
	Durable DurableConfig `json:"durable"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// Policy contains decay and confidence configuration.
	Policy PolicyConfig `json:"policy"`

	// Consolidation contains eligibility and scheduling configuration.
	Consolidation ConsolidationConfig `json:"consolidation"`

	// WorldState contains world state retention configuration.
	WorldState WorldStateConfig `json:"world_state"`

	// Runtime contains timeouts, logging and instance identity.
	Runtime RuntimeConfig `json:"runtime"`

	// Server contains HTTP server configuration.
	Server ServerConfig `json:"server"`
}

// TierStoreConfig contains configuration for the short-term tier.
//
// Supported providers: memory, redis
type TierStoreConfig struct {
	// Provider is the tier store name (memory, redis).
	Provider string `json:"provider"`

	// Addr is the Redis host:port.
	Addr string `json:"addr,omitempty"`

	// Password is the optional Redis password.
	Password string `json:"password,omitempty"`

	// DB selects the Redis logical database.
	DB int `json:"db,omitempty"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `json:"key_prefix,omitempty"`

	// MaxSize bounds the number of short-term records (0 = unbounded).
	MaxSize int `json:"max_size"`

	// SweepGraceSeconds keeps expired records in the store this long so the
	// decay sweep can consolidate them before the native TTL removes them.
	SweepGraceSeconds int `json:"sweep_grace_seconds"`
}

// DurableConfig contains configuration for the long-term stores.
//
// Supported providers: sqlite, postgres, mysql (also OceanBase in MySQL mode)
//
// Example:
//
//	durable := core.DurableConfig{
//	    Provider:    "postgres",
//	    Host:        "localhost",
//	    Port:        5432,
//	    User:        "postgres",
//	    DBName:      "memtier",
//	    VectorIndex: "chromem",
//	    ChromemPath: "./vectors",
//	}
type DurableConfig struct {
	// Provider is the SQL backend (sqlite, postgres, mysql).
	Provider string `json:"provider"`

	// SQLitePath is the SQLite database file.
	SQLitePath string `json:"sqlite_path,omitempty"`

	// Host, Port, User, Password, DBName and SSLMode configure postgres and mysql.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	DBName   string `json:"db_name,omitempty"`
	SSLMode  string `json:"ssl_mode,omitempty"`

	// TablePrefix is prepended to every table name.
	TablePrefix string `json:"table_prefix,omitempty"`

	// VectorIndex selects where embeddings live (sql, chromem).
	VectorIndex string `json:"vector_index"`

	// ChromemPath persists the chromem index (in memory when empty).
	ChromemPath string `json:"chromem_path,omitempty"`

	// CacheSize caches this many long-term documents in process (0 disables).
	CacheSize int64 `json:"cache_size"`

	// CacheTTLSeconds expires cached documents (0 = no expiry).
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, hash
//
// The hash provider needs no network access and is meant for tests and
// local development.
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, hash).
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key,omitempty"`

	// Model is the embedding model name (e.g., "text-embedding-ada-002").
	Model string `json:"model,omitempty"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536, 384).
	Dimensions int `json:"dimensions,omitempty"`
}

// PolicyConfig contains decay configuration.
type PolicyConfig struct {
	// DefaultTTLSeconds is the lifetime of an importance-0 record.
	DefaultTTLSeconds int `json:"default_ttl_seconds"`

	// MinTTLSeconds and MaxTTLSeconds clamp computed lifetimes.
	MinTTLSeconds int `json:"min_ttl_seconds"`
	MaxTTLSeconds int `json:"max_ttl_seconds"`

	// ImportanceWeight scales how much importance stretches the lifetime.
	ImportanceWeight float64 `json:"importance_weight"`

	// DecayRate is the daily Ebbinghaus decay constant. Typical range: 0.05-0.2
	DecayRate float64 `json:"decay_rate"`

	// ImportanceShare is the weight of importance in the confidence score.
	ImportanceShare float64 `json:"importance_share"`

	// CategoryDecayRates divides the lifetime per category.
	CategoryDecayRates map[string]float64 `json:"category_decay_rates,omitempty"`
}

// ConsolidationConfig contains consolidation configuration.
type ConsolidationConfig struct {
	// Threshold is the access count at which a record becomes eligible.
	Threshold int64 `json:"threshold"`

	// HighWatermark is the importance at which a record is always eligible.
	HighWatermark int `json:"high_watermark"`

	// BatchSize bounds one consolidation batch.
	BatchSize int `json:"batch_size"`

	// IntervalSeconds is the time between scheduled batches (0 disables).
	IntervalSeconds int `json:"interval_seconds"`

	// SweepIntervalSeconds is the time between decay sweeps (0 disables).
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`

	// RetainConsolidatedSeconds keeps consolidated short-term records
	// marked for this long before they are removed (0 removes at once).
	RetainConsolidatedSeconds int `json:"retain_consolidated_seconds,omitempty"`
}

// WorldStateConfig contains world state configuration.
type WorldStateConfig struct {
	// HistoryLimit keeps at most this many prior versions (0 = unbounded).
	HistoryLimit int `json:"history_limit"`

	// HistoryMaxAgeSeconds drops prior versions older than this (0 = unbounded).
	HistoryMaxAgeSeconds int `json:"history_max_age_seconds,omitempty"`

	// MaxRetries bounds internal retries after a concurrent commit.
	MaxRetries int `json:"max_retries"`
}

// RuntimeConfig contains process-wide settings.
type RuntimeConfig struct {
	// CapabilityTimeoutSeconds bounds every storage and embedding call.
	CapabilityTimeoutSeconds int `json:"capability_timeout_seconds"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// NodeID seeds long-term id generation (0-1023); instances sharing
	// durable stores need distinct ids.
	NodeID int64 `json:"node_id"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address (e.g. ":8000").
	Addr string `json:"addr"`
}

// DefaultConfig returns a configuration that runs entirely in process:
// a memory tier store, SQLite durable stores and the hash embedder.
func DefaultConfig() *Config {
	pol := policy.DefaultConfig()
	cons := consolidation.DefaultConfig()
	ws := worldstate.DefaultConfig()
	return &Config{
		TierStore: TierStoreConfig{
			Provider:          "memory",
			Addr:              "localhost:6379",
			KeyPrefix:         "memtier:",
			MaxSize:           10000,
			SweepGraceSeconds: 300,
		},
		Durable: DurableConfig{
			Provider:    "sqlite",
			SQLitePath:  "./memtier.db",
			VectorIndex: "sql",
			CacheSize:   10000,
		},
		Embedder: EmbedderConfig{
			Provider:   "hash",
			Dimensions: 384,
		},
		Policy: PolicyConfig{
			DefaultTTLSeconds: int(pol.BaseTTL / time.Second),
			MinTTLSeconds:     int(pol.MinTTL / time.Second),
			MaxTTLSeconds:     int(pol.MaxTTL / time.Second),
			ImportanceWeight:  pol.ImportanceWeight,
			DecayRate:         pol.DecayRate,
			ImportanceShare:   pol.ImportanceShare,
		},
		Consolidation: ConsolidationConfig{
			Threshold:            cons.Threshold,
			HighWatermark:        cons.HighWatermark,
			BatchSize:            cons.BatchSize,
			IntervalSeconds:      300,
			SweepIntervalSeconds: 60,
		},
		WorldState: WorldStateConfig{
			HistoryLimit: ws.HistoryLimit,
			MaxRetries:   ws.MaxRetries,
		},
		Runtime: RuntimeConfig{
			CapabilityTimeoutSeconds: int(cons.CapabilityTimeout / time.Second),
			LogLevel:                 "info",
		},
		Server: ServerConfig{
			Addr: ":8000",
		},
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables over DefaultConfig
//
// Supported environment variables:
//   - TIER_STORE_PROVIDER (memory, redis), REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, REDIS_KEY_PREFIX
//   - STM_DEFAULT_TTL, STM_MIN_TTL, STM_MAX_TTL, STM_MAX_SIZE, STM_SWEEP_GRACE
//   - DATABASE_PROVIDER (sqlite, postgres, mysql)
//   - SQLITE_PATH, POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, etc.
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - LTM_VECTOR_INDEX (sql, chromem), LTM_CHROMEM_PATH, LTM_CACHE_SIZE, LTM_BATCH_SIZE, LTM_VECTOR_DIM
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL
//   - DECAY_RATE, IMPORTANCE_WEIGHT, CATEGORY_DECAY_RATES ("chat=2,fact=0.5")
//   - CONSOLIDATION_THRESHOLD, CONSOLIDATION_HIGH_WATERMARK, CONSOLIDATION_INTERVAL, SWEEP_INTERVAL
//   - WORLD_STATE_HISTORY_LIMIT, WORLD_STATE_HISTORY_MAX_AGE, WORLD_STATE_MAX_RETRIES
//   - CAPABILITY_TIMEOUT, LOG_LEVEL, NODE_ID, API_HOST, API_PORT
//
// Returns a Config instance, or an error if a variable cannot be parsed.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	// Use FindEnvFile to locate .env file (supports upward search)
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	config := DefaultConfig()
	p := &envParser{}

	config.TierStore.Provider = getEnvOrDefault("TIER_STORE_PROVIDER", config.TierStore.Provider)
	config.TierStore.Addr = getEnvOrDefault("REDIS_ADDR", redisAddrFromParts(config.TierStore.Addr))
	config.TierStore.Password = os.Getenv("REDIS_PASSWORD")
	config.TierStore.DB = p.int("REDIS_DB", config.TierStore.DB)
	config.TierStore.KeyPrefix = getEnvOrDefault("REDIS_KEY_PREFIX", config.TierStore.KeyPrefix)
	config.TierStore.MaxSize = p.int("STM_MAX_SIZE", config.TierStore.MaxSize)
	config.TierStore.SweepGraceSeconds = p.int("STM_SWEEP_GRACE", config.TierStore.SweepGraceSeconds)

	config.Durable.Provider = getEnvOrDefault("DATABASE_PROVIDER", config.Durable.Provider)
	switch config.Durable.Provider {
	case "sqlite":
		config.Durable.SQLitePath = getEnvOrDefault("SQLITE_PATH", config.Durable.SQLitePath)
	case "postgres":
		config.Durable.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
		config.Durable.Port = p.int("POSTGRES_PORT", 5432)
		config.Durable.User = getEnvOrDefault("POSTGRES_USER", "postgres")
		config.Durable.Password = os.Getenv("POSTGRES_PASSWORD")
		config.Durable.DBName = getEnvOrDefault("POSTGRES_DATABASE", "memtier")
		config.Durable.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")
	case "mysql", "oceanbase":
		config.Durable.Provider = "mysql"
		config.Durable.Host = getEnvOrDefault("MYSQL_HOST", "127.0.0.1")
		config.Durable.Port = p.int("MYSQL_PORT", 3306)
		config.Durable.User = getEnvOrDefault("MYSQL_USER", "root")
		config.Durable.Password = os.Getenv("MYSQL_PASSWORD")
		config.Durable.DBName = getEnvOrDefault("MYSQL_DATABASE", "memtier")
	}
	config.Durable.TablePrefix = os.Getenv("DATABASE_TABLE_PREFIX")
	config.Durable.VectorIndex = getEnvOrDefault("LTM_VECTOR_INDEX", config.Durable.VectorIndex)
	config.Durable.ChromemPath = os.Getenv("LTM_CHROMEM_PATH")
	config.Durable.CacheSize = int64(p.int("LTM_CACHE_SIZE", int(config.Durable.CacheSize)))
	config.Durable.CacheTTLSeconds = p.int("LTM_CACHE_TTL", config.Durable.CacheTTLSeconds)

	// Use Python SDK style environment variable naming: EMBEDDING_*
	config.Embedder.Provider = getEnvOrDefault("EMBEDDING_PROVIDER", config.Embedder.Provider)
	config.Embedder.APIKey = os.Getenv("EMBEDDING_API_KEY")
	config.Embedder.Model = os.Getenv("EMBEDDING_MODEL")
	config.Embedder.BaseURL = os.Getenv("EMBEDDING_BASE_URL")
	config.Embedder.Dimensions = p.int("LTM_VECTOR_DIM", config.Embedder.Dimensions)
	if config.Embedder.Provider == "openai" {
		if config.Embedder.BaseURL == "" {
			config.Embedder.BaseURL = os.Getenv("OPENAI_EMBEDDING_BASE_URL")
		}
		if os.Getenv("LTM_VECTOR_DIM") == "" {
			config.Embedder.Dimensions = 1536
		}
	}

	config.Policy.DefaultTTLSeconds = p.int("STM_DEFAULT_TTL", config.Policy.DefaultTTLSeconds)
	config.Policy.MinTTLSeconds = p.int("STM_MIN_TTL", config.Policy.MinTTLSeconds)
	config.Policy.MaxTTLSeconds = p.int("STM_MAX_TTL", config.Policy.MaxTTLSeconds)
	config.Policy.ImportanceWeight = p.float("IMPORTANCE_WEIGHT", config.Policy.ImportanceWeight)
	config.Policy.DecayRate = p.float("DECAY_RATE", config.Policy.DecayRate)
	config.Policy.ImportanceShare = p.float("IMPORTANCE_SHARE", config.Policy.ImportanceShare)
	if raw := os.Getenv("CATEGORY_DECAY_RATES"); raw != "" {
		rates, err := parseCategoryRates(raw)
		if err != nil {
			p.fail("CATEGORY_DECAY_RATES", err)
		}
		config.Policy.CategoryDecayRates = rates
	}

	config.Consolidation.Threshold = int64(p.int("CONSOLIDATION_THRESHOLD", int(config.Consolidation.Threshold)))
	config.Consolidation.HighWatermark = p.int("CONSOLIDATION_HIGH_WATERMARK", config.Consolidation.HighWatermark)
	config.Consolidation.BatchSize = p.int("LTM_BATCH_SIZE", config.Consolidation.BatchSize)
	config.Consolidation.IntervalSeconds = p.int("CONSOLIDATION_INTERVAL", config.Consolidation.IntervalSeconds)
	config.Consolidation.SweepIntervalSeconds = p.int("SWEEP_INTERVAL", config.Consolidation.SweepIntervalSeconds)
	config.Consolidation.RetainConsolidatedSeconds = p.int("CONSOLIDATION_RETAIN", config.Consolidation.RetainConsolidatedSeconds)

	config.WorldState.HistoryLimit = p.int("WORLD_STATE_HISTORY_LIMIT", config.WorldState.HistoryLimit)
	config.WorldState.HistoryMaxAgeSeconds = p.int("WORLD_STATE_HISTORY_MAX_AGE", config.WorldState.HistoryMaxAgeSeconds)
	config.WorldState.MaxRetries = p.int("WORLD_STATE_MAX_RETRIES", config.WorldState.MaxRetries)

	config.Runtime.CapabilityTimeoutSeconds = p.int("CAPABILITY_TIMEOUT", config.Runtime.CapabilityTimeoutSeconds)
	config.Runtime.LogLevel = strings.ToLower(getEnvOrDefault("LOG_LEVEL", config.Runtime.LogLevel))
	config.Runtime.NodeID = int64(p.int("NODE_ID", int(config.Runtime.NodeID)))

	if host, port := os.Getenv("API_HOST"), os.Getenv("API_PORT"); host != "" || port != "" {
		if port == "" {
			port = "8000"
		}
		config.Server.Addr = host + ":" + port
	}

	if p.err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", p.err)
	}
	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
//
// Parameters:
//   - envPath: Path to the .env file
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file. Fields missing
// from the file keep their DefaultConfig values.
//
// Parameters:
//   - path: Path to the JSON configuration file
//
// Returns a Config instance, or an error if loading or parsing fails.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	return config, nil
}

// Validate validates the configuration.
//
// Checks that:
//   - Tier store, durable and embedder providers are known
//   - Thresholds, sizes and timeouts are not negative
//   - The decay TTL bounds are ordered
//
// Returns an error wrapping ErrInvalidConfig if validation fails, nil otherwise.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return NewMemoryError("Validate", fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	switch c.TierStore.Provider {
	case "memory":
	case "redis":
		if c.TierStore.Addr == "" {
			return invalid("redis tier store needs an address")
		}
	default:
		return invalid("unknown tier store provider %q", c.TierStore.Provider)
	}

	switch c.Durable.Provider {
	case "sqlite":
		if c.Durable.SQLitePath == "" {
			return invalid("sqlite needs a path")
		}
	case "postgres", "mysql":
		if c.Durable.Host == "" || c.Durable.DBName == "" {
			return invalid("%s needs a host and a database name", c.Durable.Provider)
		}
	default:
		return invalid("unknown durable provider %q", c.Durable.Provider)
	}
	switch c.Durable.VectorIndex {
	case "", "sql", "chromem":
	default:
		return invalid("unknown vector index %q", c.Durable.VectorIndex)
	}

	switch c.Embedder.Provider {
	case "hash":
	case "openai":
		if c.Embedder.APIKey == "" {
			return invalid("openai embedder needs an API key")
		}
	default:
		return invalid("unknown embedder provider %q", c.Embedder.Provider)
	}
	if c.Embedder.Dimensions < 0 {
		return invalid("negative embedding dimensions")
	}

	if c.Policy.DefaultTTLSeconds <= 0 {
		return invalid("default TTL must be positive")
	}
	if c.Policy.MinTTLSeconds < 0 || c.Policy.MaxTTLSeconds < 0 {
		return invalid("negative TTL bound")
	}
	if c.Policy.MaxTTLSeconds > 0 && c.Policy.MinTTLSeconds > c.Policy.MaxTTLSeconds {
		return invalid("min TTL %ds exceeds max TTL %ds", c.Policy.MinTTLSeconds, c.Policy.MaxTTLSeconds)
	}
	if c.Policy.ImportanceShare < 0 || c.Policy.ImportanceShare > 1 {
		return invalid("importance share must be in [0, 1]")
	}
	if !(c.Policy.ImportanceWeight >= 0) {
		return invalid("importance weight must not be negative")
	}
	for category, rate := range c.Policy.CategoryDecayRates {
		if !(rate > 0) || math.IsInf(rate, 1) {
			return invalid("decay rate of category %q must be positive, got %g", category, rate)
		}
	}

	if c.Consolidation.Threshold < 0 || c.Consolidation.BatchSize < 0 ||
		c.Consolidation.IntervalSeconds < 0 || c.Consolidation.SweepIntervalSeconds < 0 {
		return invalid("negative consolidation setting")
	}
	if c.WorldState.HistoryLimit < 0 || c.WorldState.MaxRetries < 0 {
		return invalid("negative world state setting")
	}
	if c.Runtime.CapabilityTimeoutSeconds < 0 {
		return invalid("negative capability timeout")
	}
	if c.Runtime.NodeID < 0 || c.Runtime.NodeID > 1023 {
		return invalid("node id %d outside [0, 1023]", c.Runtime.NodeID)
	}
	if _, err := parseLogLevel(c.Runtime.LogLevel); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (c PolicyConfig) policyConfig() policy.Config {
	return policy.Config{
		BaseTTL:            seconds(c.DefaultTTLSeconds),
		MinTTL:             seconds(c.MinTTLSeconds),
		MaxTTL:             seconds(c.MaxTTLSeconds),
		ImportanceWeight:   c.ImportanceWeight,
		CategoryDecayRates: c.CategoryDecayRates,
		DecayRate:          c.DecayRate,
		ImportanceShare:    c.ImportanceShare,
	}
}

func (c *Config) consolidationConfig() consolidation.Config {
	return consolidation.Config{
		Threshold:          c.Consolidation.Threshold,
		HighWatermark:      c.Consolidation.HighWatermark,
		BatchSize:          c.Consolidation.BatchSize,
		CapabilityTimeout:  seconds(c.Runtime.CapabilityTimeoutSeconds),
		RetainConsolidated: seconds(c.Consolidation.RetainConsolidatedSeconds),
		NodeID:             c.Runtime.NodeID,
	}
}

func (c WorldStateConfig) worldStateConfig() worldstate.Config {
	cfg := worldstate.DefaultConfig()
	cfg.HistoryLimit = c.HistoryLimit
	cfg.HistoryMaxAge = seconds(c.HistoryMaxAgeSeconds)
	cfg.MaxRetries = c.MaxRetries
	return cfg
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// parseLogLevel maps LOG_LEVEL to a slog level. An empty string is info.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// parseCategoryRates parses "chat=2,fact=0.5".
func parseCategoryRates(raw string) (map[string]float64, error) {
	rates := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, rate, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(rate), 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", pair, err)
		}
		rates[strings.TrimSpace(name)] = f
	}
	return rates, nil
}

// redisAddrFromParts honors the REDIS_HOST and REDIS_PORT pair used by
// older deployments when REDIS_ADDR is not set.
func redisAddrFromParts(fallback string) string {
	host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")
	if host == "" && port == "" {
		return fallback
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// envParser reads numeric variables and keeps the first parse error.
type envParser struct {
	err error
}

func (p *envParser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
}

func (p *envParser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *envParser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
