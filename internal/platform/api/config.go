package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qym-eval/qym/internal/config"
	"github.com/qym-eval/qym/internal/platform/api/middleware"
)

const (
	DefaultPort         = 8080
	MaxPort             = 65535
	DefaultHost         = "0.0.0.0"
	DefaultTimeout      = 30 * time.Second
	DefaultLogLevel     = slog.LevelInfo
	DefaultCORSMaxAge   = 86400
	DefaultMaxUploadMiB = 25
)

var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

// ServerConfig holds HTTP server configuration for the platform surface.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
	MaxUploadBytes     int64
	RateLimiter        middleware.RateLimiter

	// BootstrapAdminEmail, if set, is provisioned as the platform's first
	// ADMIN account on its first authenticated request.
	BootstrapAdminEmail string

	// LocalDevNoAuth is loaded from QYM_ALLOW_NO_AUTH. When true,
	// visibility.Service lets every caller see every run, and NewServer logs
	// a no-auth warning if the key store or user lookup is nil. It does not
	// switch off API-key or X-User-Email authentication, and Validate does
	// not check it.
	LocalDevNoAuth bool
}

// LoadServerConfig loads ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	cfg := ServerConfig{
		Port:                config.GetEnvInt("QYM_PORT", DefaultPort),
		Host:                config.GetEnvStr("QYM_HOST", DefaultHost),
		ReadTimeout:         config.GetEnvDuration("QYM_READ_TIMEOUT", DefaultTimeout),
		WriteTimeout:        config.GetEnvDuration("QYM_WRITE_TIMEOUT", DefaultTimeout),
		ShutdownTimeout:     config.GetEnvDuration("QYM_SHUTDOWN_TIMEOUT", DefaultTimeout),
		LogLevel:            config.GetEnvLogLevel("QYM_LOG_LEVEL", DefaultLogLevel),
		CORSAllowedOrigins:  config.ParseCommaSeparatedList(config.GetEnvStr("QYM_CORS_ALLOWED_ORIGINS", "*")),
		CORSAllowedMethods:  config.ParseCommaSeparatedList(config.GetEnvStr("QYM_CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS")),
		CORSAllowedHeaders:  config.ParseCommaSeparatedList(config.GetEnvStr("QYM_CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Correlation-ID,X-Api-Key,X-User-Email")),
		CORSMaxAge:          config.GetEnvInt("QYM_CORS_MAX_AGE", DefaultCORSMaxAge),
		MaxUploadBytes:      config.GetEnvInt64("QYM_MAX_UPLOAD_MIB", DefaultMaxUploadMiB) * 1024 * 1024,
		BootstrapAdminEmail: config.GetEnvStr("QYM_BOOTSTRAP_ADMIN_EMAIL", ""),
		LocalDevNoAuth:      config.GetEnvBool("QYM_ALLOW_NO_AUTH", false),
	}

	return cfg
}

// Address returns the server's listen address in host:port form.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts the server's CORS fields to middleware.CORSConfig.
func (c ServerConfig) ToCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// CORSConfig is the concrete middleware.CORSConfig implementation backing
// the server's CORS settings.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

func (c CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }
func (c CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }
func (c CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }
func (c CORSConfig) GetMaxAge() int              { return c.MaxAge }

// Validate checks the server configuration for internal consistency.
func (c ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > MaxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, MaxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	return nil
}
