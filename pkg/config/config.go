// Package config loads the federation service configuration from
// environment variables with the FED_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openmeet/federation/pkg/observability"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Session       SessionConfig
	Federation    FederationConfig
	LDAP          LDAPConfig
	OIDC          OIDCConfig
	SAML          SAMLConfig
	Shibboleth    ShibbolethConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	// Backend is redis or memory.
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MemorySize    int
}

// SessionConfig holds session lifetime and janitor settings.
type SessionConfig struct {
	Lifetime        time.Duration
	JanitorSchedule string
}

// FederationConfig holds cross-protocol federation settings.
type FederationConfig struct {
	// RulesFile is the YAML role-rule set; AttributeMapFile maps
	// logical attributes to protocol-specific source names.
	RulesFile        string
	AttributeMapFile string
	WatchRulesFile   bool

	// Mandatory attributes must be present in the bag before any
	// account write.
	MandatoryAttributes []string

	DefaultLocale   string
	DefaultTimezone string

	ErrorRedirectURL   string
	SuccessRedirectURL string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	DiscoveryCacheTTL time.Duration

	// LoginRateLimit caps login attempts per client per window. Zero
	// disables throttling. Requires the redis cache backend.
	LoginRateLimit  int
	LoginRateWindow time.Duration
}

// LDAPConfig holds the LDAP adapter settings.
type LDAPConfig struct {
	Enabled              bool
	URL                  string
	BindDN               string
	BindPassword         string
	BaseDN               string
	ObjectClass          string
	LoginAttribute       string
	SyncAttributesAsUser bool
}

// OIDCConfig holds the OIDC adapter settings.
type OIDCConfig struct {
	Enabled               bool
	Issuer                string
	ClientID              string
	ClientSecret          string
	RedirectURL           string
	Scopes                []string
	PostLogoutRedirectURI string
}

// SAMLConfig holds the SAML adapter settings.
type SAMLConfig struct {
	Enabled                     bool
	IdentityProviderSSOURL      string
	IdentityProviderSLOURL      string
	IdentityProviderIssuer      string
	ServiceProviderIssuer       string
	AssertionConsumerServiceURL string
	AudienceURI                 string
	IDPCertificateFile          string
	SPCertificateFile           string
	SPPrivateKeyFile            string
	SignRequests                bool
	NameIDFormat                string
}

// ShibbolethConfig holds the Shibboleth adapter settings.
type ShibbolethConfig struct {
	Enabled               bool
	SessionHeader         string
	DuplicateSessionGuard bool
	GuardTTL              time.Duration
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	// LogSuccessfulLogins and LogFailedLogins toggle the per-login audit
	// events. The presented login is logged, never the password.
	LogSuccessfulLogins bool
	LogFailedLogins     bool

	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("FED_HOST", "0.0.0.0"),
			Port:            getEnv("FED_PORT", "8080"),
			ReadTimeout:     getEnvDuration("FED_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("FED_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("FED_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("FED_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:          getEnv("FED_DATABASE_URL", ""),
			MaxOpenConns: getEnvInt("FED_DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("FED_DATABASE_MAX_IDLE_CONNS", 5),
		},
		Cache: CacheConfig{
			Backend:       getEnv("FED_CACHE_BACKEND", "memory"),
			RedisAddr:     getEnv("FED_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("FED_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("FED_REDIS_DB", 0),
			MemorySize:    getEnvInt("FED_CACHE_MEMORY_SIZE", 1024),
		},
		Session: SessionConfig{
			Lifetime:        getEnvDuration("FED_SESSION_LIFETIME", 12*time.Hour),
			JanitorSchedule: getEnv("FED_SESSION_JANITOR_SCHEDULE", "@every 1h"),
		},
		Federation: FederationConfig{
			RulesFile:           getEnv("FED_RULES_FILE", ""),
			AttributeMapFile:    getEnv("FED_ATTRIBUTE_MAP_FILE", ""),
			WatchRulesFile:      getEnvBool("FED_RULES_WATCH", true),
			MandatoryAttributes: getEnvList("FED_MANDATORY_ATTRIBUTES", nil),
			DefaultLocale:       getEnv("FED_DEFAULT_LOCALE", "en"),
			DefaultTimezone:     getEnv("FED_DEFAULT_TIMEZONE", "UTC"),
			ErrorRedirectURL:    getEnv("FED_ERROR_REDIRECT_URL", ""),
			SuccessRedirectURL:  getEnv("FED_SUCCESS_REDIRECT_URL", ""),
			ConnectTimeout:      getEnvDuration("FED_CONNECT_TIMEOUT", 5*time.Second),
			RequestTimeout:      getEnvDuration("FED_REQUEST_TIMEOUT", 15*time.Second),
			DiscoveryCacheTTL:   getEnvDuration("FED_DISCOVERY_CACHE_TTL", 15*time.Minute),
			LoginRateLimit:      getEnvInt("FED_LOGIN_RATE_LIMIT", 0),
			LoginRateWindow:     getEnvDuration("FED_LOGIN_RATE_WINDOW", time.Minute),
		},
		LDAP: LDAPConfig{
			Enabled:              getEnvBool("FED_LDAP_ENABLED", false),
			URL:                  getEnv("FED_LDAP_URL", ""),
			BindDN:               getEnv("FED_LDAP_BIND_DN", ""),
			BindPassword:         getEnv("FED_LDAP_BIND_PASSWORD", ""),
			BaseDN:               getEnv("FED_LDAP_BASE_DN", ""),
			ObjectClass:          getEnv("FED_LDAP_OBJECT_CLASS", "person"),
			LoginAttribute:       getEnv("FED_LDAP_LOGIN_ATTRIBUTE", "uid"),
			SyncAttributesAsUser: getEnvBool("FED_LDAP_SYNC_AS_USER", false),
		},
		OIDC: OIDCConfig{
			Enabled:               getEnvBool("FED_OIDC_ENABLED", false),
			Issuer:                getEnv("FED_OIDC_ISSUER", ""),
			ClientID:              getEnv("FED_OIDC_CLIENT_ID", ""),
			ClientSecret:          getEnv("FED_OIDC_CLIENT_SECRET", ""),
			RedirectURL:           getEnv("FED_OIDC_REDIRECT_URL", ""),
			Scopes:                getEnvList("FED_OIDC_SCOPES", []string{"profile", "email"}),
			PostLogoutRedirectURI: getEnv("FED_OIDC_POST_LOGOUT_REDIRECT_URI", ""),
		},
		SAML: SAMLConfig{
			Enabled:                     getEnvBool("FED_SAML_ENABLED", false),
			IdentityProviderSSOURL:      getEnv("FED_SAML_IDP_SSO_URL", ""),
			IdentityProviderSLOURL:      getEnv("FED_SAML_IDP_SLO_URL", ""),
			IdentityProviderIssuer:      getEnv("FED_SAML_IDP_ISSUER", ""),
			ServiceProviderIssuer:       getEnv("FED_SAML_SP_ISSUER", ""),
			AssertionConsumerServiceURL: getEnv("FED_SAML_ACS_URL", ""),
			AudienceURI:                 getEnv("FED_SAML_AUDIENCE", ""),
			IDPCertificateFile:          getEnv("FED_SAML_IDP_CERT_FILE", ""),
			SPCertificateFile:           getEnv("FED_SAML_SP_CERT_FILE", ""),
			SPPrivateKeyFile:            getEnv("FED_SAML_SP_KEY_FILE", ""),
			SignRequests:                getEnvBool("FED_SAML_SIGN_REQUESTS", false),
			NameIDFormat:                getEnv("FED_SAML_NAMEID_FORMAT", ""),
		},
		Shibboleth: ShibbolethConfig{
			Enabled:               getEnvBool("FED_SHIB_ENABLED", false),
			SessionHeader:         getEnv("FED_SHIB_SESSION_HEADER", "Shib-Session-Id"),
			DuplicateSessionGuard: getEnvBool("FED_SHIB_DUPLICATE_GUARD", true),
			GuardTTL:              getEnvDuration("FED_SHIB_GUARD_TTL", 8*time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:            parseLogLevel(getEnv("FED_LOG_LEVEL", "info")),
			LogSuccessfulLogins: getEnvBool("FED_LOG_SUCCESSFUL_LOGINS", true),
			LogFailedLogins:     getEnvBool("FED_LOG_FAILED_LOGINS", true),
			MetricsEnabled:      getEnvBool("FED_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Federation.RulesFile == "" {
		return fmt.Errorf("role rules file is required")
	}

	switch c.Cache.Backend {
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis cache backend")
		}
	case "memory":
		if c.Cache.MemorySize <= 0 {
			return fmt.Errorf("memory cache size must be positive")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be redis or memory)", c.Cache.Backend)
	}

	if c.Federation.LoginRateLimit > 0 && c.Cache.Backend != "redis" {
		return fmt.Errorf("login rate limiting requires the redis cache backend")
	}

	if c.LDAP.Enabled {
		if c.LDAP.URL == "" || c.LDAP.BaseDN == "" {
			return fmt.Errorf("LDAP URL and base DN are required when LDAP is enabled")
		}
	}
	if c.OIDC.Enabled {
		if c.OIDC.Issuer == "" || c.OIDC.ClientID == "" || c.OIDC.RedirectURL == "" {
			return fmt.Errorf("OIDC issuer, client id and redirect URL are required when OIDC is enabled")
		}
	}
	if c.SAML.Enabled {
		if c.SAML.IdentityProviderSSOURL == "" || c.SAML.IdentityProviderIssuer == "" {
			return fmt.Errorf("SAML IdP SSO URL and issuer are required when SAML is enabled")
		}
		if c.SAML.AssertionConsumerServiceURL == "" {
			return fmt.Errorf("SAML ACS URL is required when SAML is enabled")
		}
		if c.SAML.IDPCertificateFile == "" {
			return fmt.Errorf("SAML IdP certificate file is required when SAML is enabled")
		}
		if c.SAML.SignRequests && (c.SAML.SPCertificateFile == "" || c.SAML.SPPrivateKeyFile == "") {
			return fmt.Errorf("SAML SP certificate and key files are required when request signing is enabled")
		}
	}
	if c.Shibboleth.Enabled && c.Shibboleth.SessionHeader == "" {
		return fmt.Errorf("Shibboleth session header is required when Shibboleth is enabled")
	}

	if !c.LDAP.Enabled && !c.OIDC.Enabled && !c.SAML.Enabled && !c.Shibboleth.Enabled {
		return fmt.Errorf("at least one identity protocol must be enabled")
	}

	return nil
}

// parseLogLevel parses a log level string.
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a slice
// or a default.
func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		list := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				list = append(list, trimmed)
			}
		}
		return list
	}
	return defaultValue
}
