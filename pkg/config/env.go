package config

const (
	EnvMongoURI          = "MONGO_URI"
	EnvMongoDatabaseName = "MONGO_DATABASE_NAME"
	EnvMongoConnTimeout  = "MONGO_CONN_TIMEOUT"
	EnvMongoAutoMigrate  = "MONGO_AUTO_MIGRATE"

	EnvPort     = "PORT"
	EnvLogLevel = "LOG_LEVEL"

	EnvRateLimitRequests  = "RATE_LIMIT_REQUESTS"
	EnvRateLimitWindow    = "RATE_LIMIT_WINDOW"
	EnvTrustXForwardedFor = "TRUST_X_FORWARDED_FOR"

	EnvRequestTimeout = "REQUEST_TIMEOUT"
	EnvMaxRequestSize = "MAX_REQUEST_SIZE"

	EnvReadTimeout     = "READ_TIMEOUT"
	EnvWriteTimeout    = "WRITE_TIMEOUT"
	EnvIdleTimeout     = "IDLE_TIMEOUT"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"

	EnvJWTSecret = "JWT_SECRET"

	EnvRedisURL         = "REDIS_URL"
	EnvSoftLockBackend  = "SOFT_LOCK_BACKEND"
	EnvBroadcastBackend = "BROADCAST_BACKEND"
	EnvBroadcastChannel = "BROADCAST_CHANNEL"

	EnvSoftLockIdleTimeout   = "SOFT_LOCK_IDLE_TIMEOUT"
	EnvSoftLockSweepInterval = "SOFT_LOCK_SWEEP_INTERVAL"

	EnvWSAllowedOrigins = "WS_ALLOWED_ORIGINS"
	EnvWSWriteTimeout   = "WS_WRITE_TIMEOUT"
	EnvWSPongTimeout    = "WS_PONG_TIMEOUT"
	EnvWSSendBuffer     = "WS_SEND_BUFFER"
)
