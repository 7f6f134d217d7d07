// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full service configuration.
type Config struct {
	Service      ServiceConfig
	Server       ServerConfig
	Database     DatabaseConfig
	Notification NotificationConfig
	Identity     IdentityConfig
	Approval     ApprovalConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-po-approvals"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// ServerConfig controls the HTTP and gRPC listeners.
type ServerConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8086"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9086"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver      string        `env:"STORE_DRIVER" envDefault:"postgres"`
	URL         string        `env:"DATABASE_URL"`
	Host        string        `env:"DB_HOST" envDefault:"localhost"`
	Port        int           `env:"DB_PORT" envDefault:"5432"`
	User        string        `env:"DB_USER" envDefault:"postgres"`
	Password    string        `env:"DB_PASSWORD"`
	Database    string        `env:"DB_NAME" envDefault:"po_approvals"`
	SSLMode     string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"DB_MIN_CONNS" envDefault:"1"`
	MaxConnTime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	HealthCheck time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
}

// NotificationConfig configures outbound event publishers. Empty addresses
// disable the corresponding publisher.
type NotificationConfig struct {
	NATSURL       string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"notifications.po"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisStream   string `env:"REDIS_STREAM" envDefault:"po-approval-events"`
	RedisMaxLen   int64  `env:"REDIS_STREAM_MAXLEN" envDefault:"10000"`
}

// IdentityConfig selects the role source for approvers.
type IdentityConfig struct {
	GRPCURL string        `env:"IDENTITY_GRPC_URL"`
	Timeout time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"3s"`
	// StaticRoles is used when GRPCURL is empty, formatted as
	// "user=role|role;user2=role".
	StaticRoles string `env:"IDENTITY_STATIC_ROLES"`
}

// ApprovalConfig tunes workflow policy.
type ApprovalConfig struct {
	AdminRole    string `env:"ADMIN_ROLE" envDefault:"administrator"`
	NoRulePolicy string `env:"NO_RULE_POLICY" envDefault:"approve"`
	RulesFile    string `env:"RULES_FILE"`
}

// Load parses the environment into Config and validates it.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	switch strings.ToLower(c.Approval.NoRulePolicy) {
	case "approve", "reject", "hold":
	default:
		return fmt.Errorf("NO_RULE_POLICY must be approve, reject or hold, got %q", c.Approval.NoRulePolicy)
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("HTTP_PORT and GRPC_PORT must be positive")
	}
	return nil
}

// DSN returns DATABASE_URL when set, otherwise a URL built from the DB_* parts
// with the credentials escaped.
func (d DatabaseConfig) DSN() string {
	if strings.TrimSpace(d.URL) != "" {
		return d.URL
	}
	user := url.User(d.User)
	if d.Password != "" {
		user = url.UserPassword(d.User, d.Password)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Database,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

// ParseStaticRoles decodes IDENTITY_STATIC_ROLES into user -> roles.
func ParseStaticRoles(raw string) map[string][]string {
	out := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, roles, ok := strings.Cut(entry, "=")
		user = strings.TrimSpace(user)
		if !ok || user == "" {
			continue
		}
		for _, r := range strings.Split(roles, "|") {
			if r = strings.TrimSpace(r); r != "" {
				out[user] = append(out[user], r)
			}
		}
	}
	return out
}
