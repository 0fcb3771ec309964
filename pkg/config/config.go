package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "ticketflow"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "TICKETFLOW_DB_DSN"
	EnvDBHost = "TICKETFLOW_DB_HOST"
	EnvDBUser = "TICKETFLOW_DB_USER"
	EnvDBName = "TICKETFLOW_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Saga         SagaConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TICKETFLOW_APP_ENV" required:"true"`
	Port         string `envconfig:"TICKETFLOW_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"TICKETFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TICKETFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TICKETFLOW_SERVICE_KIND" default:"worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"TICKETFLOW_DB_DSN"`
	Driver string `envconfig:"TICKETFLOW_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TICKETFLOW_DB_HOST"`
	LegacyPort     int    `envconfig:"TICKETFLOW_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TICKETFLOW_DB_USER"`
	LegacyPassword string `envconfig:"TICKETFLOW_DB_PASSWORD"`
	LegacyName     string `envconfig:"TICKETFLOW_DB_NAME"`
	LegacySSLMode  string `envconfig:"TICKETFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TICKETFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TICKETFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TICKETFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TICKETFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TICKETFLOW_REDIS_URL"`
	Address      string        `envconfig:"TICKETFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"TICKETFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"TICKETFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TICKETFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TICKETFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TICKETFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TICKETFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TICKETFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"TICKETFLOW_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"TICKETFLOW_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"TICKETFLOW_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrderTopic           string `envconfig:"TICKETFLOW_PUBSUB_ORDER_TOPIC" default:"tf-order-events"`
	OrderSubscription    string `envconfig:"TICKETFLOW_PUBSUB_ORDER_SUBSCRIPTION" required:"true"`
	PaymentTopic         string `envconfig:"TICKETFLOW_PUBSUB_PAYMENT_TOPIC" default:"tf-payment-events"`
	PaymentSubscription  string `envconfig:"TICKETFLOW_PUBSUB_PAYMENT_SUBSCRIPTION" required:"true"`
	TicketTopic          string `envconfig:"TICKETFLOW_PUBSUB_TICKET_TOPIC" default:"tf-ticket-events"`
	TicketSubscription   string `envconfig:"TICKETFLOW_PUBSUB_TICKET_SUBSCRIPTION"`
	DeadLetterTopic      string `envconfig:"TICKETFLOW_PUBSUB_DEAD_LETTER_TOPIC" default:"tf-dead-letter"`
	EnableOrderedDeliver bool   `envconfig:"TICKETFLOW_PUBSUB_ORDERED_DELIVERY" default:"true"`
}

type OutboxConfig struct {
	BatchSize          int           `envconfig:"TICKETFLOW_OUTBOX_PUBLISH_BATCH_SIZE" default:"100"`
	PollInterval       time.Duration `envconfig:"TICKETFLOW_OUTBOX_PUBLISH_POLL_INTERVAL" default:"5s"`
	MaxRetries         int           `envconfig:"TICKETFLOW_OUTBOX_MAX_RETRIES" default:"3"`
	PublishTimeout     time.Duration `envconfig:"TICKETFLOW_OUTBOX_PUBLISH_TIMEOUT" default:"15s"`
	SweepInterval      time.Duration `envconfig:"TICKETFLOW_OUTBOX_SWEEP_INTERVAL" default:"1m"`
	StuckClaimTimeout  time.Duration `envconfig:"TICKETFLOW_OUTBOX_STUCK_CLAIM_TIMEOUT" default:"5m"`
	SweepLockTTL       time.Duration `envconfig:"TICKETFLOW_OUTBOX_SWEEP_LOCK_TTL" default:"45s"`
	DisableSweeperLock bool          `envconfig:"TICKETFLOW_OUTBOX_DISABLE_SWEEP_LOCK" default:"false"`
}

type SagaConfig struct {
	StaleRetryAttempts int `envconfig:"TICKETFLOW_SAGA_STALE_RETRY_ATTEMPTS" default:"3"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"TICKETFLOW_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"TICKETFLOW_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
