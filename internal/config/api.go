package config

import "time"

// Config holds runtime configuration for the control-plane service.
type Config struct {
	Environment          string
	Addr                 string
	DatabaseURL          string
	MigrationsDir        string
	JWTSecret            string
	SecretsKey           string
	BaseDomain           string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	IdempotencyTTL       time.Duration
	SchedulerMaxAttempts int
	SchedulerBackoff     time.Duration
	DispatchTimeout      time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("API_ADDR", ":4000"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://berth:berth@db:5432/berth?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:            GetString("JWT_SECRET", "supersecuresecret"),
		SecretsKey:           GetString("SECRETS_ENCRYPTION_KEY", "supersecuresecret"),
		BaseDomain:           GetString("BASE_DOMAIN", "berth.app"),
		RedisAddr:            GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:        GetString("REDIS_PASSWORD", ""),
		RedisDB:              GetInt("REDIS_DB", 0),
		IdempotencyTTL:       GetDuration("IDEMPOTENCY_TTL", time.Hour),
		SchedulerMaxAttempts: GetInt("SCHEDULER_MAX_ATTEMPTS", 5),
		SchedulerBackoff:     GetDuration("SCHEDULER_BACKOFF", 15*time.Millisecond),
		DispatchTimeout:      GetDuration("DISPATCH_TIMEOUT", 5*time.Second),
	}
}
