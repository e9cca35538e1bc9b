// Package httpclient downloads dataset archives over HTTP with retries.
package httpclient

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultTimeout bounds a single archive download
	DefaultTimeout = 30 * time.Minute
)

// Config holds HTTP client configuration
type Config struct {
	Timeout         time.Duration `env:"DOWNLOAD_TIMEOUT" env-default:"30m"`
	RetryMax        int           `env:"DOWNLOAD_RETRY_MAX" env-default:"3"`
	RetryWaitMin    time.Duration `env:"DOWNLOAD_RETRY_WAIT_MIN" env-default:"1s"`
	RetryWaitMax    time.Duration `env:"DOWNLOAD_RETRY_WAIT_MAX" env-default:"30s"`
	MaxIdleConns    int           `env:"DOWNLOAD_MAX_IDLE_CONNS" env-default:"10"`
	IdleConnTimeout time.Duration `env:"DOWNLOAD_IDLE_CONN_TIMEOUT" env-default:"90s"`
	UserAgent       string        `env:"DOWNLOAD_USER_AGENT" env-default:"fern-importer"`
}

// DefaultConfig returns default HTTP client configuration
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		RetryMax:        3,
		RetryWaitMin:    time.Second,
		RetryWaitMax:    30 * time.Second,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "fern-importer",
	}
}

func newRetryableClient(cfg Config, logger ectologger.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			MaxIdleConns:    cfg.MaxIdleConns,
			IdleConnTimeout: cfg.IdleConnTimeout,
		},
		Timeout: cfg.Timeout,
	}
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.Logger = &leveledLogger{logger: logger}
	return client
}

// leveledLogger adapts the service logger to retryablehttp.
type leveledLogger struct {
	logger ectologger.Logger
}

func (l *leveledLogger) fields(keysAndValues []any) ectologger.Logger {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return l.logger.WithFields(fields)
}

func (l *leveledLogger) Error(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Info(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Warn(msg)
}
