// Package config loads guardiansms configuration from YAML, .env files and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/guardiansms/internal/notify"
)

// DefaultPath is used when no path is given and GUARDIANSMS_CONFIG is unset.
const DefaultPath = "/etc/guardiansms/config.yaml"

// Classifier kinds.
const (
	ClassifierLinkGuard = "linkguard"
	ClassifierGRPC      = "grpc"
	ClassifierLLM       = "llm"
	ClassifierBridge    = "bridge"
)

// Config is the full guardiansms configuration.
type Config struct {
	Listen         string                 `yaml:"listen"`
	AllowedOrigins []string               `yaml:"allowed_origins"`
	APILevel       int                    `yaml:"api_level"`
	Dirs           DirsConfig             `yaml:"dirs"`
	Classifier     ClassifierConfig       `yaml:"classifier"`
	Guardian       GuardianConfig         `yaml:"guardian"`
	Arming         ArmingConfig           `yaml:"arming"`
	Watch          WatchConfig            `yaml:"watch"`
	Permissions    PermissionsConfig      `yaml:"permissions"`
	Ledger         LedgerConfig           `yaml:"ledger"`
	Webhooks       []notify.WebhookConfig `yaml:"webhooks"`
}

// DirsConfig holds the spool directories.
type DirsConfig struct {
	Inbox string `yaml:"inbox"`
	State string `yaml:"state"`
}

// ClassifierConfig selects and configures the classifier.
type ClassifierConfig struct {
	Kind      string        `yaml:"kind"`
	Timeout   time.Duration `yaml:"timeout"`
	GRPCAddr  string        `yaml:"grpc_addr"`
	APIURL    string        `yaml:"api_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Allowlist []string      `yaml:"allowlist"`
}

// GuardianConfig tunes the guardian process.
type GuardianConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	StatusRefresh time.Duration `yaml:"status_refresh"`
	RestartDelay  time.Duration `yaml:"restart_delay"`
	StallAfter    time.Duration `yaml:"stall_after"`
}

// ArmingConfig controls boot re-arming.
type ArmingConfig struct {
	RequirePriorActive bool   `yaml:"require_prior_active"`
	BootIDPath         string `yaml:"boot_id_path"`
}

// WatchConfig controls how the inbox is watched.
type WatchConfig struct {
	PollMode     bool          `yaml:"poll_mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PermissionsConfig locates the grants file.
type PermissionsConfig struct {
	File      string `yaml:"file"`
	AutoGrant bool   `yaml:"auto_grant"`
}

// LedgerConfig locates the message ledger.
type LedgerConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:7440",
		APILevel: 33,
		Dirs: DirsConfig{
			Inbox: "/var/lib/guardiansms/inbox",
			State: "/var/lib/guardiansms/state",
		},
		Classifier: ClassifierConfig{
			Kind:      ClassifierLinkGuard,
			Timeout:   60 * time.Second,
			MaxTokens: 200,
		},
		Guardian: GuardianConfig{
			Workers:       4,
			QueueSize:     256,
			StatusRefresh: time.Minute,
			RestartDelay:  time.Second,
			StallAfter:    5 * time.Second,
		},
		Watch: WatchConfig{
			PollInterval: 5 * time.Second,
		},
		Ledger: LedgerConfig{
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads the config at path. If path is empty, GUARDIANSMS_CONFIG and
// then DefaultPath are tried. A missing file yields defaults; fields present
// in the file override defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GUARDIANSMS_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	return cfg, nil
}

// LoadEnvFiles loads .env files into the process environment. Missing files
// are skipped; variables already set are not overwritten.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Listen = getEnvOrDefault("GUARDIANSMS_LISTEN", c.Listen)
	c.Classifier.Kind = getEnvOrDefault("GUARDIANSMS_CLASSIFIER", c.Classifier.Kind)
	if url := getEnvOrDefault("GUARDIANSMS_CLASSIFIER_URL", ""); url != "" {
		if c.Classifier.Kind == ClassifierGRPC {
			c.Classifier.GRPCAddr = url
		} else {
			c.Classifier.APIURL = url
		}
	}
	c.Classifier.APIKey = getEnvOrDefault("GUARDIANSMS_API_KEY", c.Classifier.APIKey)
	c.Classifier.Model = getEnvOrDefault("GUARDIANSMS_MODEL", c.Classifier.Model)

	level, err := parseIntEnv("GUARDIANSMS_API_LEVEL", c.APILevel)
	if err != nil {
		return err
	}
	c.APILevel = level

	poll, err := parseBoolEnv("GUARDIANSMS_POLL", c.Watch.PollMode)
	if err != nil {
		return err
	}
	c.Watch.PollMode = poll
	return nil
}

// fillPaths derives state-relative paths left empty.
func (c *Config) fillPaths() {
	if c.Permissions.File == "" && c.Dirs.State != "" {
		c.Permissions.File = filepath.Join(c.Dirs.State, "grants.yaml")
	}
	if c.Ledger.Path == "" && c.Dirs.State != "" {
		c.Ledger.Path = filepath.Join(c.Dirs.State, "ledger.db")
	}
}

// ProtectionPath is the durable protection flag.
func (c *Config) ProtectionPath() string {
	return filepath.Join(c.Dirs.State, "protection.json")
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Dirs.Inbox == "" || c.Dirs.State == "" {
		errs = append(errs, fmt.Errorf("dirs.inbox and dirs.state are required"))
	}
	switch c.Classifier.Kind {
	case ClassifierLinkGuard, ClassifierBridge:
	case ClassifierGRPC:
		if c.Classifier.GRPCAddr == "" {
			errs = append(errs, fmt.Errorf("classifier.grpc_addr is required for kind %q", ClassifierGRPC))
		}
	case ClassifierLLM:
		if c.Classifier.APIURL == "" {
			errs = append(errs, fmt.Errorf("classifier.api_url is required for kind %q", ClassifierLLM))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown classifier kind %q", c.Classifier.Kind))
	}
	if c.Classifier.Timeout < 0 {
		errs = append(errs, fmt.Errorf("classifier.timeout must not be negative"))
	}
	if c.Guardian.Workers <= 0 {
		errs = append(errs, fmt.Errorf("guardian.workers must be positive"))
	}
	if c.Guardian.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("guardian.queue_size must be positive"))
	}
	if c.APILevel <= 0 {
		errs = append(errs, fmt.Errorf("api_level must be positive"))
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d]: url is required", i))
		}
	}
	return errors.Join(errs...)
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmp, path)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
