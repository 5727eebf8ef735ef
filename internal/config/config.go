package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/austindbirch/courier/internal/task"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Store struct {
	Driver      string // postgres, mysql or memory
	MySQLDSN    string // gorm mysql DSN, used when Driver is mysql
	AutoMigrate bool   // create tables on startup
}

type NSQ struct {
	NsqdTCPAddr    string        // e.g. nsqd:4150
	NsqdHTTPAddr   string        // e.g. nsqd:4151, used for /stats
	LookupHTTPAddr string        // e.g. http://nsqlookupd:4161
	DispatchTopic  string        // NSQ topic carrying task IDs to workers
	DLQTopic       string        // Dead letter topic for failed tasks
	WorkerChannel  string        // NSQ channel name for workers
	MaxDeferral    time.Duration // Longest delay nsqd accepts for a deferred publish or requeue
	TouchInterval  time.Duration // How often a worker touches an in-flight message; below nsqd's --msg-timeout
}

type Redis struct {
	Addr      string
	Password  string
	DB         int
	KeyPrefix  string
	ConsumerID string // Names this worker's in-flight list; must survive restarts
}

type Queue struct {
	Backend      string        // nsq, redis or memory
	Concurrency  int           // Concurrent dispatch handlers per worker
	PollInterval time.Duration // Delayed-set polling interval for the redis backend
}

type Worker struct {
	HTTPPort         string        // Worker HTTP metrics port
	PublishDLQ       bool          // Whether to publish failed tasks to the DLQ
	FailOnStatus     bool          // Treat HTTP status >= 400 as a protocol error
	MaxResponseBytes int64         // Response bytes read per attempt
	StaleGrace       time.Duration // Extra time past the task timeout before a processing task is abandoned
	RecoveryInterval time.Duration // How often stale processing tasks are swept
	BacklogInterval  time.Duration // How often queue depth is polled
}

// Tasks holds the defaults applied to new tasks
type Tasks struct {
	MaxAttempts     int     // HTTP_TASK_MAX_ATTEMPTS
	TimeoutSeconds  int     // HTTP_TASK_TIMEOUT
	RetryDelayMs    int     // HTTP_TASK_RETRY_DELAY
	RetryMultiplier float64 // HTTP_TASK_RETRY_MULTIPLIER
}

type RateLimit struct {
	Enabled          bool   // HTTP_TASK_RATE_LIMITER_ENABLED
	DefaultPerSecond int    // HTTP_TASK_RATE_LIMIT
	Backend          string // redis or local
}

type Auth struct {
	Enabled       bool
	PublicKeyPath string // PEM file with the RS256 public key
	JWKSURL       string // alternatively, a JWKS endpoint
	Issuer        string
	Audience      string
}

type Tracing struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	FailStatus      int           // Status returned while failing
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type TokenIssuer struct {
	Port          string
	KeyID         string
	PrivateKeyPEM string // PKCS1 PEM; a key is generated when empty
	Issuer        string
	Audience      string
	TTL           time.Duration // default token lifetime
	MaxTTL        time.Duration // longest lifetime a caller may request
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	DB           DB
	Store        Store
	NSQ          NSQ
	Redis        Redis
	Queue        Queue
	Worker       Worker
	Tasks        Tasks
	RateLimit    RateLimit
	Auth         Auth
	Tracing      Tracing
	FakeReceiver FakeReceiver
	TokenIssuer  TokenIssuer
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "courier"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "courier"),
		},
		Store: Store{
			Driver:      getenv("STORE_DRIVER", "postgres"),
			MySQLDSN:    getenv("MYSQL_DSN", "root:root@tcp(mysql:3306)/courier?charset=utf8mb4&parseTime=True&loc=UTC"),
			AutoMigrate: getenvBool("STORE_AUTO_MIGRATE", true),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DispatchTopic:  getenv("NSQ_DISPATCH_TOPIC", "http_tasks"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "http_tasks_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxDeferral:    getenvDuration("NSQ_MAX_DEFERRAL", time.Hour),
			TouchInterval:  getenvDuration("NSQ_TOUCH_INTERVAL", 20*time.Second),
		},
		Redis: Redis{
			Addr:       getenv("REDIS_ADDR", "redis:6379"),
			Password:   getenv("REDIS_PASSWORD", ""),
			DB:         getenvInt("REDIS_DB", 0),
			KeyPrefix:  getenv("REDIS_KEY_PREFIX", "courier"),
			ConsumerID: getenv("REDIS_CONSUMER_ID", getenv("HOSTNAME", "worker")),
		},
		Queue: Queue{
			Backend:      getenv("QUEUE_BACKEND", "nsq"),
			Concurrency:  getenvInt("QUEUE_CONCURRENCY", 4),
			PollInterval: getenvDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		},
		Worker: Worker{
			HTTPPort:         ":" + getenv("WORKER_HTTP_PORT", "8083"),
			PublishDLQ:       getenvBool("PUBLISH_DLQ_TOPIC", false),
			FailOnStatus:     getenvBool("WORKER_FAIL_ON_STATUS", true),
			MaxResponseBytes: getenvInt64("WORKER_MAX_RESPONSE_BYTES", 1<<20),
			StaleGrace:       getenvDuration("WORKER_STALE_GRACE", time.Minute),
			RecoveryInterval: getenvDuration("WORKER_RECOVERY_INTERVAL", time.Minute),
			BacklogInterval:  getenvDuration("WORKER_BACKLOG_INTERVAL", 15*time.Second),
		},
		Tasks: Tasks{
			MaxAttempts:     getenvInt("HTTP_TASK_MAX_ATTEMPTS", 3),
			TimeoutSeconds:  getenvInt("HTTP_TASK_TIMEOUT", 30),
			RetryDelayMs:    getenvInt("HTTP_TASK_RETRY_DELAY", 1000),
			RetryMultiplier: getenvFloat("HTTP_TASK_RETRY_MULTIPLIER", 2.0),
		},
		RateLimit: RateLimit{
			Enabled:          getenvBool("HTTP_TASK_RATE_LIMITER_ENABLED", true),
			DefaultPerSecond: getenvInt("HTTP_TASK_RATE_LIMIT", 10),
			Backend:          getenv("RATE_LIMIT_BACKEND", "redis"),
		},
		Auth: Auth{
			Enabled:       getenvBool("AUTH_ENABLED", false),
			PublicKeyPath: getenv("JWT_PUBLIC_KEY_PATH", ""),
			JWKSURL:       getenv("JWKS_URL", "http://token-issuer:8084/.well-known/jwks.json"),
			Issuer:        getenv("JWT_ISSUER", "courier"),
			Audience:      getenv("JWT_AUDIENCE", "courier-api"),
		},
		Tracing: Tracing{
			Enabled:     getenvBool("TRACING_ENABLED", true),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRatio: getenvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			FailStatus:      getenvInt("FAIL_STATUS", 500),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
		TokenIssuer: TokenIssuer{
			Port:          getenv("TOKEN_ISSUER_PORT", ":8084"),
			KeyID:         getenv("TOKEN_ISSUER_KEY_ID", "courier-key-1"),
			PrivateKeyPEM: getenv("JWT_PRIVATE_KEY", ""),
			Issuer:        getenv("JWT_ISSUER", "courier"),
			Audience:      getenv("JWT_AUDIENCE", "courier-api"),
			TTL:           getenvDuration("TOKEN_TTL", time.Hour),
			MaxTTL:        getenvDuration("TOKEN_MAX_TTL", 24*time.Hour),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// TaskDefaults returns the defaults applied to new tasks
func (c Config) TaskDefaults() task.Defaults {
	return task.Defaults{
		MaxAttempts:     c.Tasks.MaxAttempts,
		TimeoutSeconds:  c.Tasks.TimeoutSeconds,
		RetryDelayMs:    c.Tasks.RetryDelayMs,
		RetryMultiplier: c.Tasks.RetryMultiplier,
	}
}
