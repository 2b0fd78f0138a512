// Package config loads appsnap settings from env files and the environment.
//
// Precedence, lowest first: built-in defaults, the system env file
// (/etc/appsnap/appsnap.env or APPSNAP_ENV_FILE), a .env in the working
// directory, then the process environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	DefaultEnvFile       = "/etc/appsnap/appsnap.env"
	DefaultMiddlewareURL = "unix:///var/run/middleware/middlewared.sock"
	DefaultZFSBinary     = "/sbin/zfs"
	DefaultCLIBinary     = "cli"
	DefaultMaxStreamSize = "10G"

	sensitiveMask = "********"
)

// Config holds all appsnap configuration.
type Config struct {
	// Logging
	LogLevel      string
	LogFormat     string
	LogDir        string
	LogMaxSizeMB  int
	LogMaxAgeDays int
	LogCompress   bool

	// Snapshot streaming
	StreamSnapshots bool
	MaxStreamSize   string

	// Control plane
	MiddlewareURL      string
	APIKey             string
	InsecureSkipVerify bool

	// Kubernetes
	Kubeconfig  string
	KubeContext string

	// External binaries
	ZFSBinary string
	CLIBinary string

	// Run records
	JournalPath     string
	MetricsTextfile string

	// Waits
	JobPollInterval     time.Duration
	JobMaxPolls         int
	AppRefreshInterval  time.Duration
	AppActiveTimeout    time.Duration
	RuntimeTimeout      time.Duration
	RuntimePollInterval time.Duration
	PodTimeout          time.Duration

	// Backup
	ExcludeApps  []string
	MinFreeBytes uint64

	// EnvOverrides records which keys came from the environment.
	EnvOverrides map[string]bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "auto",
		LogDir:              "/var/log/appsnap",
		LogMaxSizeMB:        50,
		LogMaxAgeDays:       30,
		LogCompress:         true,
		MaxStreamSize:       DefaultMaxStreamSize,
		MiddlewareURL:       DefaultMiddlewareURL,
		ZFSBinary:           DefaultZFSBinary,
		CLIBinary:           DefaultCLIBinary,
		JournalPath:         "/var/lib/appsnap/journal.db",
		JobPollInterval:     10 * time.Second,
		JobMaxPolls:         50,
		AppRefreshInterval:  10 * time.Second,
		AppActiveTimeout:    600 * time.Second,
		RuntimeTimeout:      1800 * time.Second,
		RuntimePollInterval: 15 * time.Second,
		PodTimeout:          300 * time.Second,
		EnvOverrides:        make(map[string]bool),
	}
}

// Load reads env files and environment overrides on top of Default.
func Load() (*Config, error) {
	envFile := DefaultEnvFile
	if path := strings.TrimSpace(os.Getenv("APPSNAP_ENV_FILE")); path != "" {
		envFile = path
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		c.EnvOverrides[key] = true
		return strings.TrimSpace(v), true
	}

	strs := map[string]*string{
		"APPSNAP_LOG_LEVEL":        &c.LogLevel,
		"APPSNAP_LOG_FORMAT":       &c.LogFormat,
		"APPSNAP_LOG_DIR":          &c.LogDir,
		"APPSNAP_MAX_STREAM_SIZE":  &c.MaxStreamSize,
		"APPSNAP_MIDDLEWARE_URL":   &c.MiddlewareURL,
		"APPSNAP_API_KEY":          &c.APIKey,
		"APPSNAP_KUBECONFIG":       &c.Kubeconfig,
		"APPSNAP_KUBE_CONTEXT":     &c.KubeContext,
		"APPSNAP_ZFS_BINARY":       &c.ZFSBinary,
		"APPSNAP_CLI_BINARY":       &c.CLIBinary,
		"APPSNAP_JOURNAL_PATH":     &c.JournalPath,
		"APPSNAP_METRICS_TEXTFILE": &c.MetricsTextfile,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"APPSNAP_LOG_COMPRESS":         &c.LogCompress,
		"APPSNAP_STREAM_SNAPSHOTS":     &c.StreamSnapshots,
		"APPSNAP_INSECURE_SKIP_VERIFY": &c.InsecureSkipVerify,
	}
	for key, dst := range bools {
		if v, ok := get(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: invalid boolean %q", key, v)
			}
			*dst = b
		}
	}

	ints := map[string]*int{
		"APPSNAP_LOG_MAX_SIZE_MB":  &c.LogMaxSizeMB,
		"APPSNAP_LOG_MAX_AGE_DAYS": &c.LogMaxAgeDays,
		"APPSNAP_JOB_MAX_POLLS":    &c.JobMaxPolls,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", key, v)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"APPSNAP_JOB_POLL_INTERVAL":     &c.JobPollInterval,
		"APPSNAP_APP_REFRESH_INTERVAL":  &c.AppRefreshInterval,
		"APPSNAP_APP_ACTIVE_TIMEOUT":    &c.AppActiveTimeout,
		"APPSNAP_RUNTIME_TIMEOUT":       &c.RuntimeTimeout,
		"APPSNAP_RUNTIME_POLL_INTERVAL": &c.RuntimePollInterval,
		"APPSNAP_POD_TIMEOUT":           &c.PodTimeout,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := get("APPSNAP_EXCLUDE_APPS"); ok {
		c.ExcludeApps = splitList(v)
	}
	if v, ok := get("APPSNAP_MIN_FREE_BYTES"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("APPSNAP_MIN_FREE_BYTES: invalid value %q", v)
		}
		c.MinFreeBytes = n
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate performs required configuration checks.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(c.MaxStreamSize) == "" {
		return fmt.Errorf("max stream size is required")
	}
	u, err := url.Parse(c.MiddlewareURL)
	if err != nil {
		return fmt.Errorf("invalid middleware url %q: %w", c.MiddlewareURL, err)
	}
	switch u.Scheme {
	case "unix":
	case "ws", "wss":
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("api key is required for remote middleware %s", u.Host)
		}
	default:
		return fmt.Errorf("unsupported middleware url scheme %q", u.Scheme)
	}
	if c.JobMaxPolls <= 0 {
		return fmt.Errorf("job max polls must be positive")
	}
	for name, d := range map[string]time.Duration{
		"job poll interval":     c.JobPollInterval,
		"app refresh interval":  c.AppRefreshInterval,
		"app active timeout":    c.AppActiveTimeout,
		"runtime timeout":       c.RuntimeTimeout,
		"runtime poll interval": c.RuntimePollInterval,
		"pod timeout":           c.PodTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// Excluded reports whether release matches one of the exclusion patterns.
func (c *Config) Excluded(release string) bool {
	for _, pattern := range c.ExcludeApps {
		if wildcard.Match(pattern, release) {
			return true
		}
	}
	return false
}

// Redacted returns a copy with sensitive values masked.
func (c *Config) Redacted() Config {
	if c == nil {
		return Config{}
	}
	redacted := *c
	if strings.TrimSpace(redacted.APIKey) != "" {
		redacted.APIKey = sensitiveMask
	}
	return redacted
}
