// Package config loads lockbox configuration from an optional JSONC file,
// a .env file, and LOCKBOX_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the lockbox task engine.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Store   StoreConfig   `json:"store"`
	Portal  PortalConfig  `json:"portal"`
	Ghoster GhosterConfig `json:"ghoster"`
	Tasks   TasksConfig   `json:"tasks"`

	// Credential vault key material. Exactly one of Key (base64, 32 bytes
	// decoded) or KeyFile (raw 32-byte file) must be set.
	CredentialKey     string `json:"credential_key,omitempty"`
	CredentialKeyFile string `json:"credential_key_file,omitempty"`

	// SchoolCode filters which school the portal data is read from.
	// Zero means "the user must have exactly one school".
	SchoolCode int `json:"school_code,omitempty"`
}

// ServerConfig holds the internal HTTP API settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StoreConfig holds database locations. Dir receives both the private
// and the shared database files.
type StoreConfig struct {
	Dir string `json:"dir"`
}

// PortalConfig configures the school-portal client.
type PortalConfig struct {
	BaseURL string   `json:"base_url"`
	Timeout Duration `json:"timeout,omitempty"`
}

// GhosterConfig configures the browser driver.
type GhosterConfig struct {
	// RemoteURL is the W3C WebDriver endpoint (e.g. a geckodriver address).
	RemoteURL string `json:"remote_url"`
	// Binary optionally pins the Firefox binary used for new sessions.
	Binary string `json:"binary,omitempty"`
}

// TasksConfig holds task scheduling knobs.
type TasksConfig struct {
	CheckDayWindow Window `json:"check_day_window"`
	FillFormWindow Window `json:"fill_form_window"`

	FillFormRetryLimit int      `json:"fill_form_retry_limit"`
	FillFormRetryIn    Duration `json:"fill_form_retry_in"`

	// SubmitEnabled gates actual form submission. When false every fill
	// runs as a dry run and results are recorded as submit-disabled.
	SubmitEnabled bool `json:"submit_enabled"`

	UpdateCoursesBatchSize int      `json:"update_courses_batch_size"`
	UpdateCoursesInterval  Duration `json:"update_courses_interval"`

	GeometryTTL   Duration `json:"geometry_ttl"`
	TestResultTTL Duration `json:"test_result_ttl"`
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "data"
	}
	if cfg.Portal.Timeout == 0 {
		cfg.Portal.Timeout = Duration(30 * time.Second)
	}
	if cfg.Tasks.CheckDayWindow.IsZero() {
		cfg.Tasks.CheckDayWindow = Window{Start: 4 * 3600, End: 4 * 3600}
	}
	if cfg.Tasks.FillFormWindow.IsZero() {
		cfg.Tasks.FillFormWindow = Window{Start: 7 * 3600, End: 9 * 3600}
	}
	if cfg.Tasks.FillFormRetryLimit == 0 {
		cfg.Tasks.FillFormRetryLimit = 3
	}
	if cfg.Tasks.FillFormRetryIn == 0 {
		cfg.Tasks.FillFormRetryIn = Duration(30 * time.Minute)
	}
	if cfg.Tasks.UpdateCoursesBatchSize == 0 {
		cfg.Tasks.UpdateCoursesBatchSize = 3
	}
	if cfg.Tasks.UpdateCoursesInterval == 0 {
		cfg.Tasks.UpdateCoursesInterval = Duration(60 * time.Second)
	}
	if cfg.Tasks.GeometryTTL == 0 {
		cfg.Tasks.GeometryTTL = Duration(15 * time.Minute)
	}
	if cfg.Tasks.TestResultTTL == 0 {
		cfg.Tasks.TestResultTTL = Duration(6 * time.Hour)
	}
}

// Window is an inclusive local-time-of-day range, in seconds since midnight.
// Start may equal End (a single instant).
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool { return w.Start == 0 && w.End == 0 }

// ParseWindow parses a "HH:MM:SS-HH:MM:SS" local-time window.
func ParseWindow(s string) (Window, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: missing '-'", s)
	}
	start, err := parseTimeOfDay(strings.TrimSpace(lo))
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseTimeOfDay(strings.TrimSpace(hi))
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseTimeOfDay(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("time %q: want HH:MM:SS", s)
	}
	var hms [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("time %q: %w", s, err)
		}
		hms[i] = n
	}
	if hms[0] < 0 || hms[0] > 23 || hms[1] < 0 || hms[1] > 59 || hms[2] < 0 || hms[2] > 59 {
		return 0, fmt.Errorf("time %q: out of range", s)
	}
	return hms[0]*3600 + hms[1]*60 + hms[2], nil
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
