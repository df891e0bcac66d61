// ABOUTME: Server configuration loaded from LOOM_* environment variables.
// ABOUTME: Refuses non-loopback binds unless remote access is explicitly enabled.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

var ErrNonLoopbackBind = errors.New(
	"LOOM_BIND is a non-loopback address but LOOM_ALLOW_REMOTE is not true; set LOOM_ALLOW_REMOTE=true to allow remote access",
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	Bind            string        // Socket address (LOOM_BIND, default: 127.0.0.1:7710)
	DatabasePath    string        // SQLite database path (LOOM_DB, default: loom.db)
	CatalogPath     string        // Worker catalog YAML (LOOM_CATALOG, optional)
	CallbackBaseURL string        // Public base URL for worker callbacks (LOOM_CALLBACK_BASE_URL)
	DispatchTimeout time.Duration // Worker dispatch timeout (LOOM_DISPATCH_TIMEOUT_SECONDS, default: 30s)
	AllowRemote     bool          // Allow non-loopback connections (LOOM_ALLOW_REMOTE, default: false)
}

// ConfigFromEnv loads configuration from LOOM_* environment variables with
// sensible defaults.
func ConfigFromEnv() (*Config, error) {
	bind := envOrDefault("LOOM_BIND", "127.0.0.1:7710")

	allowRemote := false
	if v := os.Getenv("LOOM_ALLOW_REMOTE"); v == "true" || v == "1" || v == "yes" {
		allowRemote = true
	}

	// Refuse non-loopback binds unless explicitly opting into remote
	// access. Checks both IP literals and hostnames.
	if !allowRemote {
		if host, _, err := net.SplitHostPort(bind); err == nil && host != "" {
			ip := net.ParseIP(host)
			switch {
			case ip != nil && ip.IsLoopback():
			case host == "localhost":
			default:
				return nil, fmt.Errorf("%w: LOOM_BIND=%s", ErrNonLoopbackBind, bind)
			}
		}
	}

	timeout := 30 * time.Second
	if v := os.Getenv("LOOM_DISPATCH_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("LOOM_DISPATCH_TIMEOUT_SECONDS must be a positive integer, got %q", v)
		}
		timeout = time.Duration(secs) * time.Second
	}

	return &Config{
		Bind:            bind,
		DatabasePath:    envOrDefault("LOOM_DB", "loom.db"),
		CatalogPath:     os.Getenv("LOOM_CATALOG"),
		CallbackBaseURL: envOrDefault("LOOM_CALLBACK_BASE_URL", fmt.Sprintf("http://%s", bind)),
		DispatchTimeout: timeout,
		AllowRemote:     allowRemote,
	}, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
