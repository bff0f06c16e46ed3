package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RateLimits overrides the per-IP budgets.
type RateLimits struct {
	HandshakeMax int `yaml:"handshake_max"`
	HTTPMax      int `yaml:"http_max"`
	WindowMS     int `yaml:"window_ms"`
}

// Policy is the optional YAML access policy.
type Policy struct {
	CDPAllowlist []string   `yaml:"cdp_allowlist"`
	ExtensionIDs []string   `yaml:"extension_ids"`
	RateLimits   RateLimits `yaml:"rate_limits"`
}

// LoadPolicy reads and validates a policy YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy config: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy config: %w", err)
	}
	for i, m := range p.CDPAllowlist {
		if strings.TrimSpace(m) == "" {
			return nil, fmt.Errorf("policy config: cdp_allowlist[%d] is empty", i)
		}
	}
	for i, id := range p.ExtensionIDs {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("policy config: extension_ids[%d] is empty", i)
		}
	}
	rl := p.RateLimits
	if rl.HandshakeMax < 0 || rl.HTTPMax < 0 || rl.WindowMS < 0 {
		return nil, fmt.Errorf("policy config: rate_limits values must be positive")
	}
	return &p, nil
}

// Apply overrides cfg with every value the policy sets.
func (p *Policy) Apply(cfg *RelayConfig) {
	if len(p.CDPAllowlist) > 0 {
		cfg.CDPAllowlist = p.CDPAllowlist
	}
	if len(p.ExtensionIDs) > 0 {
		cfg.ExtensionIDs = p.ExtensionIDs
	}
	if p.RateLimits.HandshakeMax > 0 {
		cfg.HandshakeRateMax = p.RateLimits.HandshakeMax
	}
	if p.RateLimits.HTTPMax > 0 {
		cfg.HTTPRateMax = p.RateLimits.HTTPMax
	}
	if p.RateLimits.WindowMS > 0 {
		cfg.RateWindowMS = p.RateLimits.WindowMS
	}
}
