package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Dump controls the periodic diagnostic report covering every live
	// timer service.
	Dump DumpConfig `json:"dump,omitempty"`

	// Audit routes timer protocol anomalies to persistent storage. If the
	// section is omitted, anomalies stay in the in-memory ring only.
	Audit *AuditConfig `json:"audit,omitempty"`

	// Services declares the timer services the daemon hosts.
	Services []ServiceConfig `json:"services"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DumpConfig controls the periodic diagnostic dump.
//
// Schedule is a standard 5-field cron expression, e.g. "*/5 * * * *".
// An empty Path writes the report to the log instead of a file.
type DumpConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Path     string `json:"path,omitempty"`
	Verbose  bool   `json:"verbose,omitempty"`
}

// AuditConfig selects the anomaly persistence driver.
//
// Example:
//
//	"audit": { "driver": "sqlite", "path": "./timerd_audit.db" }
type AuditConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ServiceConfig declares one hosted timer service.
//
// Tag is the dispatch tag expirations are delivered on; it must be unique
// and non-negative (the service also claims the tag's complement for
// internal scheduling).
type ServiceConfig struct {
	Label       string       `json:"label"`
	Tag         int          `json:"tag"`
	Accelerated bool         `json:"accelerated"`
	Extend      bool         `json:"extend,omitempty"`
	TestMode    bool         `json:"test_mode,omitempty"`
	SplitPoints []SplitPoint `json:"split_points,omitempty"`

	// DiagnosticSplit adds the well-known diagnostic split at 50%.
	DiagnosticSplit bool `json:"diagnostic_split,omitempty"`
}

type SplitPoint struct {
	Percent int `json:"percent"`
	Token   int `json:"token"`
}

// Validate rejects configurations the daemon could not host.
func (c *Config) Validate() error {
	seenTags := map[int]string{}
	seenLabels := map[string]bool{}
	for i, svc := range c.Services {
		if svc.Label == "" {
			return fmt.Errorf("services[%d]: label is required", i)
		}
		if seenLabels[svc.Label] {
			return fmt.Errorf("services[%d]: duplicate label %q", i, svc.Label)
		}
		seenLabels[svc.Label] = true
		if svc.Tag < 0 {
			return fmt.Errorf("services[%d] (%s): tag must be >= 0", i, svc.Label)
		}
		if other, dup := seenTags[svc.Tag]; dup {
			return fmt.Errorf("services[%d] (%s): tag %d already used by %q", i, svc.Label, svc.Tag, other)
		}
		seenTags[svc.Tag] = svc.Label
		for j, sp := range svc.SplitPoints {
			if sp.Token == 0 {
				return fmt.Errorf("services[%d] (%s): split_points[%d]: token may not be zero", i, svc.Label, j)
			}
			if sp.Percent <= 0 || sp.Percent > 100 {
				return fmt.Errorf("services[%d] (%s): split_points[%d]: percent %d outside (0,100]", i, svc.Label, j, sp.Percent)
			}
		}
	}
	if c.Audit != nil {
		// Same normalization and alias set as storage.Open, so anything
		// that validates also opens.
		switch strings.ToLower(strings.TrimSpace(c.Audit.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("audit: unknown driver %q", c.Audit.Driver)
		}
		if _, err := ParseDurationField("audit.busy_timeout", c.Audit.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
