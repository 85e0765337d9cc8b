package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is a per-deployment YAML overlay tuning connector
// behavior without rebuilding. Profiles are optional; absent values keep the
// environment defaults.
type DeploymentProfile struct {
	Name       string                     `yaml:"name" json:"name"`
	Code       string                     `yaml:"code" json:"code"`
	Connectors map[string]ConnectorTuning `yaml:"connectors,omitempty" json:"connectors,omitempty"`
	Zombie     ZombieTuning               `yaml:"zombie,omitempty" json:"zombie,omitempty"`
}

// ConnectorTuning overrides one connector's call behavior.
type ConnectorTuning struct {
	TimeoutMs      int     `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	RatePerSecond  float64 `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
	Burst          int     `yaml:"burst,omitempty" json:"burst,omitempty"`
	Disabled       bool    `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	EndpointSuffix string  `yaml:"endpoint_suffix,omitempty" json:"endpoint_suffix,omitempty"`
}

// Timeout returns the tuned timeout, or def when unset.
func (t ConnectorTuning) Timeout(def time.Duration) time.Duration {
	if t.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// ZombieTuning overrides the cron scanner cadence.
type ZombieTuning struct {
	ScanIntervalHours int `yaml:"scan_interval_hours,omitempty" json:"scan_interval_hours,omitempty"`
	JitterMinutes     int `yaml:"jitter_minutes,omitempty" json:"jitter_minutes,omitempty"`
}

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}
