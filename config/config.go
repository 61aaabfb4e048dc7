package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Selectors locates record elements and their fields. Every field list is
// an ordered fallback chain: the first selector that matches wins.
type Selectors struct {
	Record      string   `yaml:"record"`
	Link        []string `yaml:"link"`
	Title       []string `yaml:"title"`
	Description []string `yaml:"description"`
	Author      []string `yaml:"author"`
	Stats       []string `yaml:"stats"`
	LoadMore    string   `yaml:"load_more"`
}

// Config holds harvester configuration.
type Config struct {
	TargetURL string    `yaml:"target_url"`
	Selectors Selectors `yaml:"selectors"`

	Browser           string        `yaml:"browser"` // rod, chromedp, or static
	Headless          bool          `yaml:"headless"`
	UserAgent         string        `yaml:"user_agent"`
	WindowWidth       int           `yaml:"window_width"`
	WindowHeight      int           `yaml:"window_height"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	ScrollStep        int           `yaml:"scroll_step"`

	StagnationThreshold int           `yaml:"stagnation_threshold"`
	MaxIterations       int           `yaml:"max_iterations"`
	SettleDelay         time.Duration `yaml:"settle_delay"`
	SettleDelayMax      time.Duration `yaml:"settle_delay_max"`
	SettleJitter        time.Duration `yaml:"settle_jitter"`
	QuiescenceTimeout   time.Duration `yaml:"quiescence_timeout"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
	TotalPattern        string        `yaml:"total_pattern"`
	ExtractCacheSize    int           `yaml:"extract_cache_size"`

	OutputFile      string `yaml:"output_file"`
	OutputFormat    string `yaml:"output_format"` // csv, json, dual, or sqlite
	BatchSize       int    `yaml:"batch_size"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	Resume          bool   `yaml:"resume"`
	MetricsAddr     string `yaml:"metrics_addr"`
	Verbose         bool   `yaml:"verbose"`
}

// DefaultConfig returns defaults tuned for the Apify store catalog.
func DefaultConfig() *Config {
	return &Config{
		TargetURL: "https://apify.com/store/categories?sortBy=popularity",
		Selectors: Selectors{
			Record:      `[data-test="actor-card"]`,
			Link:        []string{"a[href]"},
			Title:       []string{".ActorStoreItem-title h3", "h3", `[class*="title"] h3`},
			Description: []string{".ActorStoreItem-desc", `p[class*="desc"]`},
			Author:      []string{".ActorStoreItem-user-fullname", `p[class*="fullname"]`, `div[class*="author"] p`},
			Stats:       []string{".ActorStoreItem-item p", `div[class*="item"] p`},
			LoadMore:    "",
		},
		Browser:             "rod",
		Headless:            true,
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		WindowWidth:         1920,
		WindowHeight:        1080,
		NavigationTimeout:   60 * time.Second,
		ScrollStep:          300,
		StagnationThreshold: 4,
		MaxIterations:       350,
		SettleDelay:         1500 * time.Millisecond,
		SettleDelayMax:      6 * time.Second,
		SettleJitter:        500 * time.Millisecond,
		QuiescenceTimeout:   10 * time.Second,
		RunTimeout:          30 * time.Minute,
		TotalPattern:        `(\d{1,4}(?:,\d{3})*)\s*actors`,
		ExtractCacheSize:    4096,
		OutputFile:          "output/actors.csv",
		OutputFormat:        "csv",
		BatchSize:           64,
		CheckpointEvery:     20,
		Resume:              false,
		MetricsAddr:         "",
		Verbose:             false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("target URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.TargetURL)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("target URL must include a host")
	}

	if strings.TrimSpace(c.Selectors.Record) == "" {
		return fmt.Errorf("record selector cannot be empty")
	}
	switch c.Browser {
	case "rod", "chromedp", "static":
	default:
		return fmt.Errorf("browser must be rod, chromedp, or static")
	}
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		return fmt.Errorf("window size must be positive")
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation timeout must be positive")
	}
	if c.ScrollStep < 0 {
		return fmt.Errorf("scroll step cannot be negative")
	}

	if c.StagnationThreshold <= 0 {
		return fmt.Errorf("stagnation threshold must be positive")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max iterations cannot be negative")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay cannot be negative")
	}
	if c.SettleDelayMax < 0 {
		return fmt.Errorf("settle delay max cannot be negative")
	}
	if c.SettleDelayMax > 0 && c.SettleDelay > c.SettleDelayMax {
		return fmt.Errorf("settle delay (%s) cannot exceed settle delay max (%s)", c.SettleDelay, c.SettleDelayMax)
	}
	if c.SettleJitter < 0 {
		return fmt.Errorf("settle jitter cannot be negative")
	}
	if c.QuiescenceTimeout < 0 {
		return fmt.Errorf("quiescence timeout cannot be negative")
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run timeout cannot be negative")
	}
	if c.ExtractCacheSize < 0 {
		return fmt.Errorf("extract cache size cannot be negative")
	}

	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	switch c.OutputFormat {
	case "csv", "json", "dual", "sqlite":
	default:
		return fmt.Errorf("output format must be csv, json, dual, or sqlite")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint interval cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
