package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML file on top of DefaultConfig. Keys missing from the
// file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// EnvString returns a trimmed environment value and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses an integer environment value.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// EnvDuration parses a duration environment value such as "1500ms".
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return d, true, nil
}

// EnvBool parses a boolean environment value.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return b, true, nil
}

// ApplyEnv overrides cfg with the SCRAPER_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if v, ok := EnvString("SCRAPER_URL"); ok {
		cfg.TargetURL = v
	}
	if v, ok := EnvString("SCRAPER_BROWSER"); ok {
		cfg.Browser = strings.ToLower(v)
	}
	if v, ok := EnvString("SCRAPER_OUTPUT"); ok {
		cfg.OutputFile = v
	}
	if v, ok := EnvString("SCRAPER_FORMAT"); ok {
		cfg.OutputFormat = strings.ToLower(v)
	}
	if v, ok := EnvString("SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SCRAPER_STAGNATION_THRESHOLD", &cfg.StagnationThreshold},
		{"SCRAPER_MAX_ITERATIONS", &cfg.MaxIterations},
		{"SCRAPER_CHECKPOINT_EVERY", &cfg.CheckpointEvery},
	}
	for _, item := range ints {
		v, ok, err := EnvInt(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = v
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCRAPER_SETTLE_DELAY", &cfg.SettleDelay},
		{"SCRAPER_SETTLE_DELAY_MAX", &cfg.SettleDelayMax},
		{"SCRAPER_RUN_TIMEOUT", &cfg.RunTimeout},
	}
	for _, item := range durations {
		v, ok, err := EnvDuration(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = v
		}
	}

	if v, ok, err := EnvBool("SCRAPER_HEADLESS"); err != nil {
		return err
	} else if ok {
		cfg.Headless = v
	}
	return nil
}
