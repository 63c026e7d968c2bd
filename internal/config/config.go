// Package config turns viper settings into the one validated Config the
// grader runs with.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/weppos/publicsuffix-go/publicsuffix"

	"github.com/hwgrade/hwgrade/pkg/browser"
	"github.com/hwgrade/hwgrade/pkg/download"
	"github.com/hwgrade/hwgrade/pkg/grading"
	"github.com/hwgrade/hwgrade/pkg/oracle"
)

// ErrMissingCredential is fatal at startup: nothing can be scored.
var ErrMissingCredential = oracle.ErrMissingCredential

// EnvBindings maps config keys to the environment variables that override
// them.
var EnvBindings = map[string]string{
	"ai.api_key":   "AI_API_KEY",
	"ai.base_url":  "AI_BASE_URL",
	"ai.model":     "MODEL_NAME",
	"ai.provider":  "AI_PROVIDER",
	"homework.url": "HOMEWORK_URL",
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("homework.url", "")

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.model", "gpt-5-mini")
	v.SetDefault("ai.timeout", "30s")
	v.SetDefault("ai.retry_max", 2)

	v.SetDefault("download.dir", "downloads")
	v.SetDefault("download.timeout", "60s")
	v.SetDefault("download.poll_interval", "500ms")
	v.SetDefault("download.settle_rounds", 3)

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.profile_dir", "")

	v.SetDefault("grading.skip_scored", true)
	v.SetDefault("grading.max_iterations", 9999)
	v.SetDefault("grading.scroll_settle", "2s")
	v.SetDefault("grading.post_click_wait", "2s")
	v.SetDefault("grading.open_attempts", 4)
	v.SetDefault("grading.open_timeout", "8s")
	v.SetDefault("grading.discover_timeout", "20s")

	v.SetDefault("db.enabled", false)
	v.SetDefault("db.path", "")
}

// BindEnv wires EnvBindings into v.
func BindEnv(v *viper.Viper) error {
	for key, env := range EnvBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return nil
}

type AI struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	RetryMax int
}

// Oracle converts the settings into an oracle.Config.
func (a AI) Oracle() oracle.Config {
	return oracle.Config{
		Provider: a.Provider,
		APIKey:   a.APIKey,
		Model:    a.Model,
		BaseURL:  a.BaseURL,
		Timeout:  a.Timeout,
		RetryMax: a.RetryMax,
	}
}

type Download struct {
	Dir          string
	Timeout      time.Duration
	PollInterval time.Duration
	SettleRounds int
}

type Browser struct {
	Headless   bool
	Bin        string
	ProfileDir string
	Selectors  browser.Selectors
}

type Grading struct {
	SkipScored      bool
	MaxIterations   int
	ScrollSettle    time.Duration
	PostClickWait   time.Duration
	OpenAttempts    int
	OpenTimeout     time.Duration
	DiscoverTimeout time.Duration
}

type DB struct {
	Enabled bool
	Path    string
}

// Config is everything a grading run needs.
type Config struct {
	HomeworkURL string
	AI          AI
	Download    Download
	Browser     Browser
	Grading     Grading
	DB          DB
}

// Load reads v into a Config and validates it. home is used for the default
// browser profile location.
func Load(v *viper.Viper, home string) (Config, error) {
	c, err := Read(v, home)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Read is Load without validation, for commands that need only part of the
// configuration.
func Read(v *viper.Viper, home string) (Config, error) {
	c := Config{
		HomeworkURL: strings.TrimSpace(v.GetString("homework.url")),
		AI: AI{
			Provider: strings.TrimSpace(v.GetString("ai.provider")),
			APIKey:   strings.TrimSpace(v.GetString("ai.api_key")),
			BaseURL:  strings.TrimSpace(v.GetString("ai.base_url")),
			Model:    strings.TrimSpace(v.GetString("ai.model")),
			Timeout:  v.GetDuration("ai.timeout"),
			RetryMax: v.GetInt("ai.retry_max"),
		},
		Download: Download{
			Dir:          v.GetString("download.dir"),
			Timeout:      v.GetDuration("download.timeout"),
			PollInterval: v.GetDuration("download.poll_interval"),
			SettleRounds: v.GetInt("download.settle_rounds"),
		},
		Browser: Browser{
			Headless:   v.GetBool("browser.headless"),
			Bin:        v.GetString("browser.bin"),
			ProfileDir: v.GetString("browser.profile_dir"),
		},
		Grading: Grading{
			SkipScored:      v.GetBool("grading.skip_scored"),
			MaxIterations:   v.GetInt("grading.max_iterations"),
			ScrollSettle:    v.GetDuration("grading.scroll_settle"),
			PostClickWait:   v.GetDuration("grading.post_click_wait"),
			OpenAttempts:    v.GetInt("grading.open_attempts"),
			OpenTimeout:     v.GetDuration("grading.open_timeout"),
			DiscoverTimeout: v.GetDuration("grading.discover_timeout"),
		},
		DB: DB{
			Enabled: v.GetBool("db.enabled"),
			Path:    v.GetString("db.path"),
		},
	}

	if v.IsSet("browser.selectors") {
		if err := v.UnmarshalKey("browser.selectors", &c.Browser.Selectors); err != nil {
			return Config{}, fmt.Errorf("browser.selectors: %w", err)
		}
	}
	c.Browser.Selectors = c.Browser.Selectors.WithDefaults()

	if c.Download.Dir != "" {
		abs, err := filepath.Abs(c.Download.Dir)
		if err != nil {
			return Config{}, fmt.Errorf("download.dir: %w", err)
		}
		c.Download.Dir = abs
	}
	if c.Browser.ProfileDir == "" && c.HomeworkURL != "" && home != "" {
		dir, err := ProfileDir(home, c.HomeworkURL)
		if err != nil {
			return Config{}, err
		}
		c.Browser.ProfileDir = dir
	}
	return c, nil
}

// Validate is the single place configuration is checked.
func (c Config) Validate() error {
	var errs []error
	if c.AI.APIKey == "" {
		errs = append(errs, ErrMissingCredential)
	}
	switch strings.ToLower(c.AI.Provider) {
	case "", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("ai.provider: unsupported provider %q", c.AI.Provider))
	}
	if c.AI.BaseURL != "" {
		if err := checkURL(c.AI.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("ai.base_url: %w", err))
		}
	}
	if c.HomeworkURL != "" {
		if err := checkURL(c.HomeworkURL); err != nil {
			errs = append(errs, fmt.Errorf("homework.url: %w", err))
		}
	}
	if c.Download.Dir == "" {
		errs = append(errs, errors.New("download.dir must not be empty"))
	}
	positive := map[string]time.Duration{
		"ai.timeout":               c.AI.Timeout,
		"download.timeout":         c.Download.Timeout,
		"download.poll_interval":   c.Download.PollInterval,
		"grading.scroll_settle":    c.Grading.ScrollSettle,
		"grading.open_timeout":     c.Grading.OpenTimeout,
		"grading.discover_timeout": c.Grading.DiscoverTimeout,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Grading.PostClickWait < 0 {
		errs = append(errs, errors.New("grading.post_click_wait must not be negative"))
	}
	if c.Download.SettleRounds <= 0 {
		errs = append(errs, errors.New("download.settle_rounds must be positive"))
	}
	if c.Grading.MaxIterations <= 0 {
		errs = append(errs, errors.New("grading.max_iterations must be positive"))
	}
	if c.Grading.OpenAttempts <= 0 {
		errs = append(errs, errors.New("grading.open_attempts must be positive"))
	}
	if c.AI.RetryMax < 0 {
		errs = append(errs, errors.New("ai.retry_max must not be negative"))
	}
	return errors.Join(errs...)
}

// RequireHomeworkURL reports a missing or malformed homework URL. Only the
// grade command needs one.
func (c Config) RequireHomeworkURL() error {
	if c.HomeworkURL == "" {
		return errors.New("homework URL is not set (use --url, HOMEWORK_URL or homework.url)")
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// ProfileDir is where the browser keeps its profile for the site hosting
// rawURL: one directory per registrable domain, so a login is reused across
// runs and across homework pages of the same site.
func ProfileDir(home, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("homework.url: cannot derive a profile from %q", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	name := host
	if strings.Contains(host, ".") {
		if d, err := publicsuffix.Domain(host); err == nil {
			name = d
		}
	}
	return filepath.Join(home, ".hwgrade", "profiles", name), nil
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DetectorOptions are the download completion timings.
func (c Config) DetectorOptions() download.Options {
	return download.Options{
		Timeout:      c.Download.Timeout,
		PollInterval: c.Download.PollInterval,
		SettleRounds: c.Download.SettleRounds,
	}
}

// PipelineOptions maps the grading section onto grading.Options.
func (c Config) PipelineOptions() grading.Options {
	wait := c.Grading.PostClickWait
	if wait == 0 {
		// grading.Options reads zero as "use the default".
		wait = -1
	}
	return grading.Options{
		NoSkip:          !c.Grading.SkipScored,
		OpenAttempts:    c.Grading.OpenAttempts,
		OpenTimeout:     c.Grading.OpenTimeout,
		DiscoverTimeout: c.Grading.DiscoverTimeout,
		PostClickWait:   wait,
	}
}

// WalkOptions maps the walk bounds onto grading.WalkOptions.
func (c Config) WalkOptions() grading.WalkOptions {
	return grading.WalkOptions{
		MaxIterations: c.Grading.MaxIterations,
		ScrollSettle:  c.Grading.ScrollSettle,
	}
}

// BrowserOptions are the Chrome launch settings.
func (c Config) BrowserOptions() browser.Options {
	return browser.Options{
		Bin:         c.Browser.Bin,
		Headless:    c.Browser.Headless,
		ProfileDir:  c.Browser.ProfileDir,
		DownloadDir: c.Download.Dir,
		Selectors:   c.Browser.Selectors,
	}
}
