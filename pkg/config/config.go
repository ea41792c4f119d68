package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"slotboard/pkg/client"
	kafka_config "slotboard/pkg/kafka/config"
	"slotboard/pkg/logger"
)

type Config struct {
	MongoURI          string
	MongoDatabaseName string
	MongoConnTimeout  time.Duration
	MongoAutoMigrate  bool

	Port string

	RateLimitRequests  int
	RateLimitWindow    time.Duration
	TrustXForwardedFor bool

	RequestTimeout time.Duration
	MaxRequestSize int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	JWTSecret string

	RedisURL         string
	SoftLockBackend  string
	BroadcastBackend string
	BroadcastChannel string

	SoftLockIdleTimeout   time.Duration
	SoftLockSweepInterval time.Duration

	WSAllowedOrigins []string
	WSWriteTimeout   time.Duration
	WSPongTimeout    time.Duration
	WSSendBuffer     int

	Kafka *kafka_config.Config

	Log    *logger.Logger
	Client *client.Client
}

func Load(serviceName string) *Config {
	cfg := load(serviceName)

	kafkaCfg, err := kafka_config.Load()
	if err != nil {
		cfg.Log.Fatal(err.Error())
	}
	cfg.Kafka = kafkaCfg

	if err := cfg.Validate(); err != nil {
		cfg.Log.Fatal(err.Error())
	}
	cfg.LogConfiguration()
	return cfg
}

// LoadJob loads the configuration for one-off jobs such as migrations, which
// only need storage settings.
func LoadJob(jobName string) *Config {
	cfg := load(jobName)
	if err := cfg.ValidateStorage(); err != nil {
		cfg.Log.Fatal(err.Error())
	}
	cfg.Log.Info("Configuration loaded successfully",
		"mongo_uri", redactMongoURI(cfg.MongoURI),
		"mongo_database", cfg.MongoDatabaseName,
	)
	return cfg
}

func load(serviceName string) *Config {
	cfg := fromEnv()
	cfg.Log = logger.New(logger.Config{
		Level:     getEnvStr(EnvLogLevel, logger.INFO),
		Format:    logger.JSON,
		AddSource: true,
		Service:   serviceName,
	})
	cfg.Client = client.NewClient()
	return cfg
}

func fromEnv() *Config {
	return &Config{
		MongoURI:          getEnvStr(EnvMongoURI, DefaultMongoURI),
		MongoDatabaseName: getEnvStr(EnvMongoDatabaseName, DefaultMongoDatabaseName),
		MongoConnTimeout:  getEnvDuration(EnvMongoConnTimeout, DefaultMongoConnTimeout),
		MongoAutoMigrate:  getEnvBool(EnvMongoAutoMigrate, DefaultMongoAutoMigrate),

		Port: getEnvStr(EnvPort, DefaultPort),

		RateLimitRequests:  getEnvNum(EnvRateLimitRequests, DefaultRateLimitRequests),
		RateLimitWindow:    getEnvDuration(EnvRateLimitWindow, DefaultRateLimitWindow),
		TrustXForwardedFor: getEnvBool(EnvTrustXForwardedFor, DefaultTrustXForwardedFor),

		RequestTimeout: getEnvDuration(EnvRequestTimeout, DefaultRequestTimeout),
		MaxRequestSize: getEnvNum(EnvMaxRequestSize, DefaultMaxRequestSize),

		ReadTimeout:     getEnvDuration(EnvReadTimeout, DefaultReadTimeout),
		WriteTimeout:    getEnvDuration(EnvWriteTimeout, DefaultWriteTimeout),
		IdleTimeout:     getEnvDuration(EnvIdleTimeout, DefaultIdleTimeout),
		ShutdownTimeout: getEnvDuration(EnvShutdownTimeout, DefaultShutdownTimeout),

		JWTSecret: getEnvStr(EnvJWTSecret, ""),

		RedisURL:         getEnvStr(EnvRedisURL, DefaultRedisURL),
		SoftLockBackend:  strings.ToLower(getEnvStr(EnvSoftLockBackend, DefaultSoftLockBackend)),
		BroadcastBackend: strings.ToLower(getEnvStr(EnvBroadcastBackend, DefaultBroadcastBackend)),
		BroadcastChannel: getEnvStr(EnvBroadcastChannel, DefaultBroadcastChannel),

		SoftLockIdleTimeout:   getEnvDuration(EnvSoftLockIdleTimeout, DefaultSoftLockIdleTimeout),
		SoftLockSweepInterval: getEnvDuration(EnvSoftLockSweepInterval, DefaultSoftLockSweepInterval),

		WSAllowedOrigins: getEnvList(EnvWSAllowedOrigins, DefaultWSAllowedOrigins),
		WSWriteTimeout:   getEnvDuration(EnvWSWriteTimeout, DefaultWSWriteTimeout),
		WSPongTimeout:    getEnvDuration(EnvWSPongTimeout, DefaultWSPongTimeout),
		WSSendBuffer:     getEnvNum(EnvWSSendBuffer, DefaultWSSendBuffer),
	}
}

func (cfg *Config) SetMongo() {
	cfg.Client.SetMongo(cfg.Log, cfg.MongoURI, cfg.MongoConnTimeout)
}

// UsesRedis reports whether any backend needs a Redis connection.
func (cfg *Config) UsesRedis() bool {
	return cfg.SoftLockBackend == BackendRedis || cfg.BroadcastBackend == BackendRedis
}

func (cfg *Config) SetRedis() {
	cfg.Client.SetRedis(cfg.Log, cfg.RedisURL, cfg.MongoConnTimeout)
}

func (cfg *Config) ValidateStorage() error {
	return numbered(cfg.storageProblems())
}

func (cfg *Config) storageProblems() []string {
	var errors []string

	if cfg.MongoURI == "" {
		errors = append(errors, "MongoURI cannot be empty")
	} else if len(cfg.MongoURI) < 10 || !regexp.MustCompile(`^mongodb(\+srv)?://`).MatchString(cfg.MongoURI) {
		errors = append(errors, fmt.Sprintf("MongoURI must start with 'mongodb://' or 'mongodb+srv://', got: %s", redactMongoURI(cfg.MongoURI)))
	}

	if cfg.MongoDatabaseName == "" {
		errors = append(errors, "MongoDatabaseName cannot be empty")
	}

	if cfg.MongoConnTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("MongoConnTimeout must be positive, got: %s", cfg.MongoConnTimeout))
	}
	return errors
}

func (cfg *Config) Validate() error {
	errors := cfg.storageProblems()

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("Port must be between 1 and 65535, got: %s", cfg.Port))
	}

	if cfg.RateLimitWindow <= 0 {
		errors = append(errors, fmt.Sprintf("RateLimitWindow must be positive, got: %s", cfg.RateLimitWindow))
	}
	if cfg.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("RequestTimeout must be positive, got: %s", cfg.RequestTimeout))
	}
	if cfg.ReadTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ReadTimeout must be positive, got: %s", cfg.ReadTimeout))
	}
	if cfg.WriteTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("WriteTimeout must be positive, got: %s", cfg.WriteTimeout))
	}
	if cfg.IdleTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("IdleTimeout must be positive, got: %s", cfg.IdleTimeout))
	}
	if cfg.ShutdownTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ShutdownTimeout must be positive, got: %s", cfg.ShutdownTimeout))
	}

	if cfg.RateLimitRequests <= 0 {
		errors = append(errors, fmt.Sprintf("RateLimitRequests must be positive, got: %d", cfg.RateLimitRequests))
	}
	if cfg.MaxRequestSize <= 0 {
		errors = append(errors, fmt.Sprintf("MaxRequestSize must be positive, got: %d", cfg.MaxRequestSize))
	}

	if len(cfg.JWTSecret) < MinJWTSecretLength {
		errors = append(errors, fmt.Sprintf("JWTSecret must be at least %d characters", MinJWTSecretLength))
	}

	if cfg.SoftLockBackend != BackendMemory && cfg.SoftLockBackend != BackendRedis {
		errors = append(errors, fmt.Sprintf("SoftLockBackend must be one of [memory, redis], got: %s", cfg.SoftLockBackend))
	}
	if cfg.BroadcastBackend != BackendMemory && cfg.BroadcastBackend != BackendRedis {
		errors = append(errors, fmt.Sprintf("BroadcastBackend must be one of [memory, redis], got: %s", cfg.BroadcastBackend))
	}
	if cfg.UsesRedis() && cfg.RedisURL == "" {
		errors = append(errors, "RedisURL is required when a redis backend is selected")
	}
	if cfg.BroadcastBackend == BackendRedis && cfg.BroadcastChannel == "" {
		errors = append(errors, "BroadcastChannel cannot be empty")
	}

	if cfg.SoftLockIdleTimeout < 0 {
		errors = append(errors, fmt.Sprintf("SoftLockIdleTimeout cannot be negative, got: %s", cfg.SoftLockIdleTimeout))
	}
	if cfg.SoftLockIdleTimeout > 0 && cfg.SoftLockSweepInterval <= 0 {
		errors = append(errors, fmt.Sprintf("SoftLockSweepInterval must be positive, got: %s", cfg.SoftLockSweepInterval))
	}

	if cfg.WSWriteTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("WSWriteTimeout must be positive, got: %s", cfg.WSWriteTimeout))
	}
	if cfg.WSPongTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("WSPongTimeout must be positive, got: %s", cfg.WSPongTimeout))
	}
	if cfg.WSSendBuffer <= 0 {
		errors = append(errors, fmt.Sprintf("WSSendBuffer must be positive, got: %d", cfg.WSSendBuffer))
	}

	return numbered(errors)
}

func numbered(errors []string) error {
	if len(errors) == 0 {
		return nil
	}
	errMsg := "Configuration validation failed:\n"
	for i, err := range errors {
		errMsg += fmt.Sprintf("  %d. %s\n", i+1, err)
	}
	return fmt.Errorf("%s", errMsg)
}

func (cfg *Config) GracefulShutdown(ctx context.Context) {
	cfg.Client.GracefulShutdown(ctx, cfg.Log)
}

func (cfg *Config) LogConfiguration() {
	cfg.Log.Info("Configuration loaded successfully",
		"mongo_uri", redactMongoURI(cfg.MongoURI),
		"mongo_database", cfg.MongoDatabaseName,
		"mongo_conn_timeout", cfg.MongoConnTimeout,
		"mongo_auto_migrate", cfg.MongoAutoMigrate,
		"port", cfg.Port,
		"rate_limit_requests", cfg.RateLimitRequests,
		"rate_limit_window", cfg.RateLimitWindow,
		"trust_x_forwarded_for", cfg.TrustXForwardedFor,
		"request_timeout", cfg.RequestTimeout,
		"max_request_size", cfg.MaxRequestSize,
		"read_timeout", cfg.ReadTimeout,
		"write_timeout", cfg.WriteTimeout,
		"idle_timeout", cfg.IdleTimeout,
		"shutdown_timeout", cfg.ShutdownTimeout,
		"jwt_secret_set", cfg.JWTSecret != "",
		"redis_url", redactRedisURL(cfg.RedisURL),
		"soft_lock_backend", cfg.SoftLockBackend,
		"broadcast_backend", cfg.BroadcastBackend,
		"broadcast_channel", cfg.BroadcastChannel,
		"soft_lock_idle_timeout", cfg.SoftLockIdleTimeout,
		"soft_lock_sweep_interval", cfg.SoftLockSweepInterval,
		"ws_allowed_origins", cfg.WSAllowedOrigins,
		"ws_write_timeout", cfg.WSWriteTimeout,
		"ws_pong_timeout", cfg.WSPongTimeout,
		"ws_send_buffer", cfg.WSSendBuffer,
	)
	if cfg.Kafka != nil {
		cfg.Kafka.LogConfiguration(cfg.Log.Info)
	}
}

func redactMongoURI(uri string) string {
	credentialRegex := regexp.MustCompile(`(mongodb(\+srv)?://)[^:]+:[^@]+@`)
	return credentialRegex.ReplaceAllString(uri, "${1}***:***@")
}

func redactRedisURL(uri string) string {
	credentialRegex := regexp.MustCompile(`(rediss?://)[^@]*@`)
	return credentialRegex.ReplaceAllString(uri, "${1}***@")
}

func getEnvStr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvNum(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	var out []string
	for _, item := range strings.Split(getEnvStr(key, fallback), ",") {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
