package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/tabrelay/internal/security"
)

// RelayConfig holds all configuration for the tab relay.
type RelayConfig struct {
	// Listener settings
	BindAddr         string
	PortAutoFallback bool
	PortCandidates   []string
	DiscoveryPort    int

	// Pairing
	PairingToken    string
	PairingRequired bool
	TokenGenerated  bool

	// Access policy
	ExtensionIDs     []string
	CDPAllowlist     []string
	PolicyFile       string
	HandshakeRateMax int
	HTTPRateMax      int
	RateWindowMS     int

	// Channel limits
	AnnotationTimeoutMS int
	MaxPayloadBytes     int
	KeepaliveIntervalMS int

	// Ambient
	LogLevel  string
	LogFile   string
	AuditDir  string
	NotifyURL string
}

// Load reads configuration from environment variables, an optional .env file,
// and the optional YAML policy file named by RELAY_POLICY_FILE.
func Load() (*RelayConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &RelayConfig{
		BindAddr:            getEnvOrDefault("RELAY_BIND_ADDR", "127.0.0.1:8787"),
		PortAutoFallback:    getEnvBoolOrDefault("RELAY_PORT_AUTO_FALLBACK", true),
		PortCandidates:      getEnvListOrDefault("RELAY_PORT_CANDIDATES", []string{"127.0.0.1:0"}),
		DiscoveryPort:       getEnvIntOrDefault("RELAY_DISCOVERY_PORT", 8787),
		PairingToken:        os.Getenv("RELAY_PAIRING_TOKEN"),
		PairingRequired:     getEnvBoolOrDefault("RELAY_PAIRING_REQUIRED", false),
		ExtensionIDs:        getEnvListOrDefault("RELAY_EXTENSION_IDS", nil),
		CDPAllowlist:        getEnvListOrDefault("RELAY_CDP_ALLOWLIST", nil),
		PolicyFile:          os.Getenv("RELAY_POLICY_FILE"),
		HandshakeRateMax:    getEnvIntOrDefault("RELAY_HANDSHAKE_RATE_MAX", 20),
		HTTPRateMax:         getEnvIntOrDefault("RELAY_HTTP_RATE_MAX", 120),
		RateWindowMS:        getEnvIntOrDefault("RELAY_RATE_WINDOW_MS", 60000),
		AnnotationTimeoutMS: getEnvIntOrDefault("RELAY_ANNOTATION_TIMEOUT_MS", 120000),
		MaxPayloadBytes:     getEnvIntOrDefault("RELAY_MAX_PAYLOAD_BYTES", 12*1024*1024),
		KeepaliveIntervalMS: getEnvIntOrDefault("RELAY_KEEPALIVE_INTERVAL_MS", 20000),
		LogLevel:            strings.ToLower(getEnvOrDefault("RELAY_LOG_LEVEL", "info")),
		LogFile:             getEnvOrDefault("RELAY_LOG_FILE", "logs/tabrelay.log"),
		AuditDir:            os.Getenv("RELAY_AUDIT_DIR"),
		NotifyURL:           os.Getenv("RELAY_NOTIFY_URL"),
	}

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy.Apply(cfg)
	}

	if cfg.PairingRequired && cfg.PairingToken == "" {
		token, err := security.GenerateToken()
		if err != nil {
			return nil, err
		}
		cfg.PairingToken = token
		cfg.TokenGenerated = true
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RelayConfig) validate() error {
	if c.HandshakeRateMax < 1 {
		return fmt.Errorf("config: RELAY_HANDSHAKE_RATE_MAX must be positive, got %d", c.HandshakeRateMax)
	}
	if c.HTTPRateMax < 1 {
		return fmt.Errorf("config: RELAY_HTTP_RATE_MAX must be positive, got %d", c.HTTPRateMax)
	}
	if c.RateWindowMS < 1 {
		return fmt.Errorf("config: RELAY_RATE_WINDOW_MS must be positive, got %d", c.RateWindowMS)
	}
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("config: RELAY_DISCOVERY_PORT out of range: %d", c.DiscoveryPort)
	}
	if c.AnnotationTimeoutMS < 1000 {
		c.AnnotationTimeoutMS = 1000
	}
	if c.MaxPayloadBytes < 1024 {
		c.MaxPayloadBytes = 1024
	}
	if c.KeepaliveIntervalMS < 0 {
		c.KeepaliveIntervalMS = 0
	}
	return nil
}

// RateWindow returns the rate-limit window as a duration.
func (c *RelayConfig) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMS) * time.Millisecond
}

// AnnotationTimeout returns the pending annotation timeout as a duration.
func (c *RelayConfig) AnnotationTimeout() time.Duration {
	return time.Duration(c.AnnotationTimeoutMS) * time.Millisecond
}

// KeepaliveInterval returns the extension ping interval; zero disables pings.
func (c *RelayConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
