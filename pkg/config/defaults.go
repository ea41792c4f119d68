package config

import "time"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const (
	DefaultMongoURI          = "mongodb://localhost:27017"
	DefaultMongoDatabaseName = "slotboard"
	DefaultMongoConnTimeout  = 10 * time.Second
	DefaultMongoAutoMigrate  = true

	DefaultPort = "8080"

	DefaultRateLimitRequests  = 10
	DefaultRateLimitWindow    = 1 * time.Minute
	DefaultTrustXForwardedFor = false

	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRequestSize = 1 * 1024 * 1024 // 1MB

	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultRedisURL         = ""
	DefaultSoftLockBackend  = BackendMemory
	DefaultBroadcastBackend = BackendMemory
	DefaultBroadcastChannel = "slotboard:events"

	DefaultSoftLockIdleTimeout   = 5 * time.Minute
	DefaultSoftLockSweepInterval = 30 * time.Second

	DefaultWSAllowedOrigins = ""
	DefaultWSWriteTimeout   = 10 * time.Second
	DefaultWSPongTimeout    = 60 * time.Second
	DefaultWSSendBuffer     = 64

	MinJWTSecretLength = 32
)
