package app

import (
	"fmt"
	"strings"
	"time"

	"marketsync/cmd/internal/notify"
	"marketsync/cmd/internal/threadstore"
)

// Thread store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Credential sources.
const (
	CredentialEnv     = "env"
	CredentialKeyring = "keyring"
)

const envPrefix = "MARKETSYNC_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string
	LogFormat string

	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Client side of the sync layer.
	APIURL           string
	PushURL          string
	PushPollFallback bool
	PushMaxRetries   int
	PushBackoffBase  time.Duration
	PushBackoffMax   time.Duration
	RESTTimeout      time.Duration

	ThreadBackend string
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	RedisURL      string
	MessageLimit  int

	CredentialSource string
	Token            string
	UserID           string
	KeyringDir       string

	// Development gateway.
	DevTokens        []string
	WSAllowedOrigins []string

	// If true, API and push URLs must use https/wss.
	RequireTLS bool
	// FingerprintKey is read by the token package; validated at startup.
	FingerprintKey string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		LogLevel:  EnvString(envPrefix+"LOG_LEVEL", "info"),
		LogFormat: EnvString(envPrefix+"LOG_FORMAT", "json"),

		HTTPAddr:          EnvString(envPrefix+"HTTP_ADDR", "127.0.0.1:8080"),
		ReadHeaderTimeout: EnvDuration(envPrefix+"HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration(envPrefix+"HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt(envPrefix+"HTTP_MAX_HEADER_BYTES", 1<<20),

		APIURL:           EnvString(envPrefix+"API_URL", "http://127.0.0.1:8080"),
		PushURL:          EnvString(envPrefix+"PUSH_URL", ""),
		PushPollFallback: EnvBool(envPrefix+"PUSH_POLL_FALLBACK", true),
		PushMaxRetries:   EnvInt(envPrefix+"PUSH_MAX_RETRIES", notify.DefaultMaxRetries),
		PushBackoffBase:  EnvDuration(envPrefix+"PUSH_BACKOFF_BASE", notify.DefaultBackoffBase),
		PushBackoffMax:   EnvDuration(envPrefix+"PUSH_BACKOFF_MAX", notify.DefaultBackoffMax),
		RESTTimeout:      EnvDuration(envPrefix+"REST_TIMEOUT", notify.DefaultRESTTimeout),

		ThreadBackend: strings.ToLower(EnvString(envPrefix+"THREAD_BACKEND", BackendMemory)),
		DatabaseURL:   EnvString(envPrefix+"DATABASE_URL", ""),
		DBMaxConns:    EnvInt32(envPrefix+"DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32(envPrefix+"DB_MIN_CONNS", 0),
		DBSchema:      EnvString(envPrefix+"DB_SCHEMA", "marketsync"),
		RedisURL:      EnvString(envPrefix+"REDIS_URL", ""),
		MessageLimit:  EnvInt(envPrefix+"MESSAGE_LIMIT", threadstore.DefaultLimit),

		CredentialSource: strings.ToLower(EnvString(envPrefix+"CREDENTIAL_SOURCE", CredentialEnv)),
		Token:            EnvString(envPrefix+"TOKEN", ""),
		UserID:           EnvString(envPrefix+"USER_ID", ""),
		KeyringDir:       EnvString(envPrefix+"KEYRING_DIR", ""),

		DevTokens:        EnvCSV(envPrefix+"DEV_TOKENS", nil),
		WSAllowedOrigins: EnvCSV(envPrefix+"WS_ALLOWED_ORIGINS", nil),

		RequireTLS:     EnvBool(envPrefix+"REQUIRE_TLS", false),
		FingerprintKey: EnvString(envPrefix+"FINGERPRINT_KEY", ""),
	}
}

// pushURL defaults the push endpoint to the API base.
func (c Config) pushURL() string {
	if c.PushURL != "" {
		return c.PushURL
	}
	return c.APIURL
}

// Validate rejects unknown enum values and backends missing their connection string.
func (c Config) Validate() error {
	switch c.ThreadBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: %sTHREAD_BACKEND=postgres requires %sDATABASE_URL", envPrefix, envPrefix)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: %sTHREAD_BACKEND=redis requires %sREDIS_URL", envPrefix, envPrefix)
		}
	default:
		return fmt.Errorf("config: unknown thread backend %q", c.ThreadBackend)
	}

	switch c.CredentialSource {
	case CredentialEnv, CredentialKeyring:
	default:
		return fmt.Errorf("config: unknown credential source %q", c.CredentialSource)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}

	if c.PushBackoffMax < c.PushBackoffBase {
		return fmt.Errorf("config: push backoff max %v is below base %v", c.PushBackoffMax, c.PushBackoffBase)
	}
	return nil
}
