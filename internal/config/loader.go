package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates, applies
// LOCKBOX_* environment variable overrides, and fills in defaults.
// A missing file is not an error: env vars alone are a valid configuration.
// ConfigPath returns the config file location, LOCKBOX_CONFIG or the
// default "lockbox.jsonc" in the working directory.
func ConfigPath() string {
	if v := os.Getenv("LOCKBOX_CONFIG"); v != "" {
		return v
	}
	return "lockbox.jsonc"
}

// DotenvPath returns the .env file location.
func DotenvPath() string {
	if v := os.Getenv("LOCKBOX_DOTENV"); v != "" {
		return v
	}
	return ".env"
}

func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// env-only configuration
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			expanded := expandEnvTemplates(string(data))
			std, err := hujson.Standardize([]byte(expanded))
			if err != nil {
				return nil, fmt.Errorf("standardize config: %w", err)
			}
			if err := json.Unmarshal(std, &cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyEnv overlays the LOCKBOX_* environment variables onto cfg.
// Env vars always win over file values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("LOCKBOX_CREDENTIAL_KEY"); v != "" {
		cfg.CredentialKey = v
	}
	if v := os.Getenv("LOCKBOX_CREDENTIAL_KEY_FILE"); v != "" {
		cfg.CredentialKeyFile = v
	}
	if v := os.Getenv("LOCKBOX_SCHOOL"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCKBOX_SCHOOL: %w", err)
		}
		cfg.SchoolCode = code
	}
	if v := os.Getenv("LOCKBOX_CHECK_DAY_RUN_TIME"); v != "" {
		w, err := ParseWindow(v)
		if err != nil {
			return fmt.Errorf("LOCKBOX_CHECK_DAY_RUN_TIME: %w", err)
		}
		cfg.Tasks.CheckDayWindow = w
	}
	if v := os.Getenv("LOCKBOX_FILL_FORM_RUN_TIME"); v != "" {
		w, err := ParseWindow(v)
		if err != nil {
			return fmt.Errorf("LOCKBOX_FILL_FORM_RUN_TIME: %w", err)
		}
		cfg.Tasks.FillFormWindow = w
	}
	if v := os.Getenv("LOCKBOX_FILL_FORM_RETRY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCKBOX_FILL_FORM_RETRY_LIMIT: %w", err)
		}
		cfg.Tasks.FillFormRetryLimit = n
	}
	if v := os.Getenv("LOCKBOX_FILL_FORM_RETRY_IN"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LOCKBOX_FILL_FORM_RETRY_IN: %w", err)
		}
		cfg.Tasks.FillFormRetryIn = Duration(time.Duration(secs * float64(time.Second)))
	}
	// Submission is only enabled by an explicit "1"; any other value is a
	// global dry run.
	if v, ok := os.LookupEnv("LOCKBOX_FILL_FORM_SUBMIT_ENABLED"); ok {
		cfg.Tasks.SubmitEnabled = v == "1"
	}
	if v := os.Getenv("LOCKBOX_UPDATE_COURSES_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("LOCKBOX_UPDATE_COURSES_BATCH_SIZE: invalid value %q", v)
		}
		cfg.Tasks.UpdateCoursesBatchSize = n
	}
	if v := os.Getenv("LOCKBOX_UPDATE_COURSES_INTERVAL"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return fmt.Errorf("LOCKBOX_UPDATE_COURSES_INTERVAL: invalid value %q", v)
		}
		cfg.Tasks.UpdateCoursesInterval = Duration(time.Duration(secs) * time.Second)
	}
	if v := os.Getenv("LOCKBOX_PORTAL_URL"); v != "" {
		cfg.Portal.BaseURL = v
	}
	if v := os.Getenv("LOCKBOX_WEBDRIVER_URL"); v != "" {
		cfg.Ghoster.RemoteURL = v
	}
	if v := os.Getenv("LOCKBOX_FIREFOX_BINARY"); v != "" {
		cfg.Ghoster.Binary = v
	}
	return nil
}
