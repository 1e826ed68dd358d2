package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration required by the API process.
//
// Values come from an optional YAML file (CONFIG_FILE) and then from env, which wins.
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig    `yaml:"app"`
	Store  StoreConfig  `yaml:"store"`
	DB     DBConfig     `yaml:"db"`
	Redis  RedisConfig  `yaml:"redis"`
	Auth   AuthConfig   `yaml:"auth"`
	Telnyx TelnyxConfig `yaml:"telnyx"`
	Notify NotifyConfig `yaml:"notify"`
	Ingest IngestConfig `yaml:"ingest"`
}

type AppConfig struct {
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`
}

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type StoreConfig struct {
	// Backend is postgres or memory. memory is refused in production.
	Backend string `yaml:"backend"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"sslmode"`

	// Pool sizing; zero keeps the driver-side defaults in pkg/utils.
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig is optional. When Host is set, Redis backs the event locks and a pub/sub sink.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	JWTAudience     string        `yaml:"jwt_audience"`
	AccessTokenTTL  time.Duration `yaml:"access_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_ttl"`
}

type TelnyxConfig struct {
	// PublicKey is the base64 ed25519 key webhooks are signed with. Required in production.
	PublicKey          string        `yaml:"public_key"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
}

type NotifyConfig struct {
	TopicPrefix string        `yaml:"topic_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
	WebhookURL  string        `yaml:"webhook_url"`
	// RedisPubSub publishes change records on Redis channels when Redis is configured.
	RedisPubSub bool       `yaml:"redis_pubsub"`
	MQTT        MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

type IngestConfig struct {
	LockTTL           time.Duration `yaml:"lock_ttl"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileBatch    int           `yaml:"reconcile_batch"`
	// ConnectionOwners maps provider connection ids to workspace ids.
	ConnectionOwners map[string]string `yaml:"connection_owners"`
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &c); err != nil {
			return Config{}, err
		}
	}

	setString(&c.App.Env, "APP_ENV")
	parseErrs = setInt(parseErrs, &c.App.Port, "APP_PORT")

	setString(&c.Store.Backend, "STORE_BACKEND")

	setString(&c.DB.Host, "DB_HOST")
	parseErrs = setInt(parseErrs, &c.DB.Port, "DB_PORT")
	setString(&c.DB.User, "DB_USER")
	setSecret(&c.DB.Password, "DB_PASSWORD")
	setString(&c.DB.Name, "DB_NAME")
	setString(&c.DB.SSLMode, "DB_SSLMODE")
	parseErrs = setInt(parseErrs, &c.DB.MaxOpenConns, "DB_MAX_OPEN_CONNS")
	parseErrs = setDuration(parseErrs, &c.DB.ConnMaxLifetime, "DB_CONN_MAX_LIFETIME")

	setString(&c.Redis.Host, "REDIS_HOST")
	parseErrs = setInt(parseErrs, &c.Redis.Port, "REDIS_PORT")
	setSecret(&c.Redis.Password, "REDIS_PASSWORD")
	parseErrs = setInt(parseErrs, &c.Redis.DB, "REDIS_DB")

	setSecret(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Auth.JWTIssuer, "JWT_ISSUER")
	setString(&c.Auth.JWTAudience, "JWT_AUDIENCE")
	// Duration env vars are optional; defaults applied in Validate() based on env.
	parseErrs = setDuration(parseErrs, &c.Auth.AccessTokenTTL, "JWT_ACCESS_TTL")
	parseErrs = setDuration(parseErrs, &c.Auth.RefreshTokenTTL, "JWT_REFRESH_TTL")

	setString(&c.Telnyx.PublicKey, "TELNYX_PUBLIC_KEY")
	parseErrs = setDuration(parseErrs, &c.Telnyx.SignatureTolerance, "TELNYX_SIGNATURE_TOLERANCE")
	{
		var n int
		parseErrs = setInt(parseErrs, &n, "TELNYX_MAX_BODY_BYTES")
		if n > 0 {
			c.Telnyx.MaxBodyBytes = int64(n)
		}
	}

	setString(&c.Notify.TopicPrefix, "NOTIFY_TOPIC_PREFIX")
	parseErrs = setDuration(parseErrs, &c.Notify.Timeout, "NOTIFY_TIMEOUT")
	setString(&c.Notify.WebhookURL, "NOTIFY_WEBHOOK_URL")
	parseErrs = setBool(parseErrs, &c.Notify.RedisPubSub, "NOTIFY_REDIS_PUBSUB")
	setString(&c.Notify.MQTT.Broker, "MQTT_BROKER")
	setString(&c.Notify.MQTT.ClientID, "MQTT_CLIENT_ID")
	setString(&c.Notify.MQTT.Username, "MQTT_USERNAME")
	setSecret(&c.Notify.MQTT.Password, "MQTT_PASSWORD")
	parseErrs = setInt(parseErrs, &c.Notify.MQTT.QoS, "MQTT_QOS")

	parseErrs = setDuration(parseErrs, &c.Ingest.LockTTL, "INGEST_LOCK_TTL")
	parseErrs = setDuration(parseErrs, &c.Ingest.ReconcileInterval, "INGEST_RECONCILE_INTERVAL")
	parseErrs = setInt(parseErrs, &c.Ingest.ReconcileBatch, "INGEST_RECONCILE_BATCH")
	if v := strings.TrimSpace(os.Getenv("INGEST_CONNECTION_OWNERS")); v != "" {
		owners, err := ParseOwners(v)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Ingest.ConnectionOwners = owners
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadFile(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// Validate checks every section and fills defaults. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendPostgres
	}
	switch c.Store.Backend {
	case StoreBackendPostgres:
		errs = append(errs, c.validateDB()...)
	case StoreBackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of postgres, memory, got %q", c.Store.Backend))
	}

	if c.Redis.Enabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Telnyx.PublicKey == "" {
			errs = append(errs, errors.New("TELNYX_PUBLIC_KEY is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Telnyx.SignatureTolerance <= 0 {
		c.Telnyx.SignatureTolerance = 5 * time.Minute
	}
	if c.Telnyx.MaxBodyBytes <= 0 {
		c.Telnyx.MaxBodyBytes = 1 << 20
	}

	if c.Notify.TopicPrefix == "" {
		c.Notify.TopicPrefix = "callflow"
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = 2 * time.Second
	}
	if c.Notify.MQTT.Broker != "" && c.Notify.MQTT.ClientID == "" {
		c.Notify.MQTT.ClientID = "telecom-callflow"
	}
	if c.Notify.MQTT.QoS < 0 || c.Notify.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.Notify.MQTT.QoS))
	}
	if c.Notify.RedisPubSub && !c.Redis.Enabled() {
		errs = append(errs, errors.New("NOTIFY_REDIS_PUBSUB requires REDIS_HOST"))
	}

	if c.Ingest.LockTTL <= 0 {
		c.Ingest.LockTTL = 30 * time.Second
	}
	if c.Ingest.ReconcileInterval <= 0 {
		c.Ingest.ReconcileInterval = time.Minute
	}
	if c.Ingest.ReconcileBatch <= 0 {
		c.Ingest.ReconcileBatch = 500
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.MaxOpenConns < 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS must not be negative"))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ParseOwners parses "conn1=ws1,conn2=ws2".
func ParseOwners(v string) (map[string]string, error) {
	out := map[string]string{}
	var bad []string
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		conn, ws, ok := strings.Cut(pair, "=")
		conn, ws = strings.TrimSpace(conn), strings.TrimSpace(ws)
		if !ok || conn == "" || ws == "" {
			bad = append(bad, pair)
			continue
		}
		out[conn] = ws
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return out, fmt.Errorf("INGEST_CONNECTION_OWNERS has invalid entries: %s", strings.Join(bad, ", "))
	}
	return out, nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// setSecret keeps surrounding whitespace, which may be part of the secret.
func setSecret(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(errs []error, dst *int, key string) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	*dst = n
	return errs
}

func setDuration(errs []error, dst *time.Duration, key string) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	*dst = d
	return errs
}

func setBool(errs []error, dst *bool, key string) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	*dst = b
	return errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
