package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration, loaded from the environment.
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Elastic     ElasticConfig
	Clickhouse  ClickhouseConfig
	Pipeline    PipelineConfig
	Directory   DirectoryConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers        []string
	EventTopic     string
	DirectiveTopic string
}

type ElasticConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

// PipelineConfig holds ingestion pipeline tunables. Scoring and trigger
// policy (weights, thresholds, windows) lives in the hot-reloadable policy
// file, not here.
type PipelineConfig struct {
	PolicyPath     string
	Workers        int
	QueueDepth     int
	PendingDepth   int           // fail-closed retry queue for dedup outages
	PendingRetry   time.Duration // backoff between pending re-evaluations
	LookupTimeout  time.Duration // bot reputation lookup budget
	PublishTimeout time.Duration
	SweepInterval  time.Duration // periodic full re-evaluation cadence
	CohortRefresh  time.Duration // minimum cohort rollup freshness
	RateLimit      int           // ingest requests per source IP per minute
	UserBuckets    int           // event-log partition buckets per user hash
	ReputationURL  string        // IP reputation service; empty disables lookups
}

type DirectoryConfig struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	loadedConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads configuration from the environment, loading a .env file
// first when present. Safe to call repeatedly; the first load wins.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()

		loadedConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "telemetry"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:        getEnvList("KAFKA_BROKERS", "localhost:9092"),
				EventTopic:     getEnv("KAFKA_EVENT_TOPIC", "telemetry.events"),
				DirectiveTopic: getEnv("KAFKA_DIRECTIVE_TOPIC", "telemetry.directives"),
			},
			Elastic: ElasticConfig{
				URL:        getEnv("ELASTIC_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTIC_USERNAME", ""),
				Password:   getEnv("ELASTIC_PASSWORD", ""),
				AuditIndex: getEnv("ELASTIC_AUDIT_INDEX", "telemetry-audit"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "telemetry_events"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Pipeline: PipelineConfig{
				PolicyPath:     getEnv("PIPELINE_POLICY_PATH", "configs/policy.yaml"),
				Workers:        getEnvInt("PIPELINE_WORKERS", 32),
				QueueDepth:     getEnvInt("PIPELINE_QUEUE_DEPTH", 10000),
				PendingDepth:   getEnvInt("PIPELINE_PENDING_DEPTH", 50000),
				PendingRetry:   getEnvDuration("PIPELINE_PENDING_RETRY", 5*time.Second),
				LookupTimeout:  getEnvDuration("PIPELINE_LOOKUP_TIMEOUT", 250*time.Millisecond),
				PublishTimeout: getEnvDuration("PIPELINE_PUBLISH_TIMEOUT", 10*time.Second),
				SweepInterval:  getEnvDuration("PIPELINE_SWEEP_INTERVAL", time.Hour),
				CohortRefresh:  getEnvDuration("PIPELINE_COHORT_REFRESH", 5*time.Minute),
				RateLimit:      getEnvInt("PIPELINE_RATE_LIMIT", 600),
				UserBuckets:    getEnvInt("PIPELINE_USER_BUCKETS", 64),
				ReputationURL:  getEnv("PIPELINE_REPUTATION_URL", ""),
			},
			Directory: DirectoryConfig{
				BaseURL:  getEnv("DIRECTORY_URL", "http://localhost:8090"),
				Timeout:  getEnvDuration("DIRECTORY_TIMEOUT", 2*time.Second),
				CacheTTL: getEnvDuration("DIRECTORY_CACHE_TTL", 15*time.Minute),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})
	return loadedConfig
}

// Get returns the already-loaded configuration.
func Get() *Config {
	return LoadConfig()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	v := getEnv(key, defaultValue)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
