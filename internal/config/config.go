package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongodb"
)

// leaseHeadroom is the part of a claim lease the scheduler keeps back from
// starting new jobs.
const leaseHeadroom = 15 * time.Second

type Config struct {
	HTTPAddr             string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	StoreDriver   string
	DatabaseURL   string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string

	TickInterval    time.Duration
	ClaimBatchSize  int
	ClaimLease      time.Duration
	DispatchTimeout time.Duration
	LocalTimezone   string
	WorkerID        string

	LogLevel  string
	LogFormat string

	// empty secret disables auth on the admin API
	JWTSecret       string
	AdminAPIKeyHash string

	// Transports is the effective setting; TransportsEnv is the env-only
	// base that TRANSPORTS_FILE is layered over on every reload.
	Transports     Transports
	TransportsEnv  Transports
	TransportsFile string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",

		StoreDriver:   strings.ToLower(getenv("STORE_DRIVER", DriverPostgres)),
		SQLitePath:    getenv("SQLITE_PATH", "reminders.db"),
		MongoURI:      getenv("MONGO_URI", ""),
		MongoDatabase: getenv("MONGO_DATABASE", "reminders"),

		LocalTimezone: getenv("LOCAL_TIMEZONE", "Asia/Kolkata"),
		WorkerID:      getenv("WORKER_ID", defaultWorkerID()),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "json"),

		JWTSecret:       getenv("JWT_SECRET", ""),
		AdminAPIKeyHash: getenv("ADMIN_API_KEY_HASH", ""),
		TransportsFile:  getenv("TRANSPORTS_FILE", ""),
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	var err error
	if cfg.TickInterval, err = seconds("TICK_INTERVAL_SECONDS", 30); err != nil {
		return cfg, err
	}
	if cfg.ClaimLease, err = seconds("CLAIM_LEASE_SECONDS", 300); err != nil {
		return cfg, err
	}
	if cfg.DispatchTimeout, err = seconds("DISPATCH_TIMEOUT_SECONDS", 10); err != nil {
		return cfg, err
	}
	if cfg.ClaimBatchSize, err = positiveInt("CLAIM_BATCH_SIZE", 100); err != nil {
		return cfg, err
	}
	if cfg.ClaimLease <= cfg.DispatchTimeout+leaseHeadroom {
		return cfg, fmt.Errorf("CLAIM_LEASE_SECONDS must exceed DISPATCH_TIMEOUT_SECONDS by more than %s", leaseHeadroom)
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		cfg.DatabaseURL = mustGetenv("DATABASE_URL")
	case DriverSQLite:
	case DriverMongo:
		cfg.MongoURI = mustGetenv("MONGO_URI")
	default:
		return cfg, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.TransportsEnv, err = transportsFromEnv(); err != nil {
		return cfg, err
	}
	cfg.Transports = cfg.TransportsEnv
	if cfg.TransportsFile != "" {
		t, err := LoadTransports(cfg.TransportsFile, cfg.TransportsEnv)
		if err != nil {
			return cfg, err
		}
		cfg.Transports = t
	}
	return cfg, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}

func positiveInt(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func seconds(key string, def int) (time.Duration, error) {
	n, err := positiveInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func intEnv(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}
