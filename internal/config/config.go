package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/common"
)

// FileEnv names the optional YAML file loaded before the environment.
const FileEnv = "COUNTRY_METRICS_CONFIG"

type AppConfig struct {
	// Warehouse export.
	WarehouseDriver string `yaml:"warehouse_driver" validate:"oneof=bigquery sqlite none"`
	WarehouseDSN    string `yaml:"warehouse_dsn" validate:"required_if=WarehouseDriver sqlite"`
	GCPProject      string `yaml:"gcp_project" validate:"required_if=WarehouseDriver bigquery"`
	Dataset         string `yaml:"dataset" validate:"required_if=WarehouseDriver bigquery"`

	// Aggregate API. An empty property disables the source.
	PropertyID      string `yaml:"property_id" validate:"omitempty,numeric"`
	GA4BaseURL      string `yaml:"ga4_base_url" validate:"omitempty,url"`
	GA4MaxRangeDays int    `yaml:"ga4_max_range_days" validate:"gte=0"`

	CredentialsFile string `yaml:"credentials_file" validate:"omitempty,file"`

	// Reporting.
	Timezone         string   `yaml:"timezone" validate:"required"`
	Weeks            int      `yaml:"weeks" validate:"min=1,max=520"`
	Metric           string   `yaml:"metric" validate:"required"`
	UserLevel        bool     `yaml:"user_level"`
	ConflictPolicy   string   `yaml:"conflict_policy" validate:"omitempty,oneof=winner side-by-side both"`
	MandatorySources []string `yaml:"mandatory_sources"`

	SourceTimeout    time.Duration `yaml:"source_timeout" validate:"gt=0"`
	SourceMaxRetries int           `yaml:"source_max_retries" validate:"gte=0,lte=10"`

	// ReportInterval controls how often serve refreshes the report.
	ReportInterval time.Duration `yaml:"report_interval" validate:"gte=1m"`

	// In-memory store retention.
	StoreMaxHistory int           `yaml:"store_max_history" validate:"gte=0"` // 0 = unlimited
	StoreMaxAge     time.Duration `yaml:"store_max_age" validate:"gte=0"`     // 0 = unlimited

	Port     string `yaml:"port" validate:"required,numeric"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

func defaults() *AppConfig {
	return &AppConfig{
		WarehouseDriver:  "bigquery",
		Timezone:         "America/Los_Angeles",
		Weeks:            20,
		Metric:           analytics.DefaultMetric,
		ConflictPolicy:   string(analytics.ConflictWinner),
		SourceTimeout:    60 * time.Second,
		SourceMaxRetries: 2,
		ReportInterval:   6 * time.Hour,
		StoreMaxHistory:  28,
		StoreMaxAge:      7 * 24 * time.Hour,
		Port:             "8080",
		LogLevel:         "info",
	}
}

// Load reads configuration from the optional YAML file, then from the
// environment (and .env), which wins.
func Load(logger *zap.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	cfg := defaults()
	if path := os.Getenv(FileEnv); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *AppConfig) error {
	cfg.WarehouseDriver = strings.ToLower(getenvDefault("WAREHOUSE_DRIVER", cfg.WarehouseDriver))
	cfg.WarehouseDSN = getenvDefault("WAREHOUSE_DSN", cfg.WarehouseDSN)
	cfg.GCPProject = getenvDefault("GCP_PROJECT", cfg.GCPProject)
	cfg.Dataset = getenvDefault("GA_DATASET_ID", cfg.Dataset)
	cfg.PropertyID = getenvDefault("GA_PROPERTY_ID", cfg.PropertyID)
	cfg.GA4BaseURL = getenvDefault("GA4_BASE_URL", cfg.GA4BaseURL)
	cfg.GA4MaxRangeDays = getenvInt("GA4_MAX_RANGE_DAYS", cfg.GA4MaxRangeDays)
	cfg.CredentialsFile = getenvDefault("GOOGLE_APPLICATION_CREDENTIALS", cfg.CredentialsFile)
	cfg.Timezone = getenvDefault("GA_TZ", cfg.Timezone)
	cfg.Weeks = getenvInt("GA_WEEKS", cfg.Weeks)
	cfg.Metric = getenvDefault("GA_METRIC", cfg.Metric)
	cfg.UserLevel = getenvBool("GA_USER_LEVEL", cfg.UserLevel)
	cfg.ConflictPolicy = getenvDefault("CONFLICT_POLICY", cfg.ConflictPolicy)
	if v := os.Getenv("MANDATORY_SOURCES"); v != "" {
		cfg.MandatorySources = common.SplitList(v)
	}
	cfg.SourceMaxRetries = getenvInt("SOURCE_MAX_RETRIES", cfg.SourceMaxRetries)
	cfg.StoreMaxHistory = getenvInt("STORE_MAX_HISTORY", cfg.StoreMaxHistory)
	cfg.Port = getenvDefault("PORT", cfg.Port)
	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", cfg.LogLevel))

	var err error
	if cfg.SourceTimeout, err = getenvDuration("SOURCE_TIMEOUT", cfg.SourceTimeout); err != nil {
		return err
	}
	if cfg.ReportInterval, err = getenvDuration("REPORT_INTERVAL", cfg.ReportInterval); err != nil {
		return err
	}
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", cfg.StoreMaxAge); err != nil {
		return err
	}
	return nil
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.WarehouseDriver == "none" && c.PropertyID == "" {
		return errors.New("invalid config: no source configured; set GA_PROPERTY_ID or a warehouse driver")
	}
	if strings.EqualFold(c.Timezone, "Local") {
		// The zone is sent to the warehouse by name.
		return errors.New("invalid GA_TZ: use an IANA zone name such as America/Los_Angeles, not Local")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid GA_TZ: %w", err)
	}
	for _, name := range c.MandatorySources {
		if name != "warehouse" && name != "ga4" {
			return fmt.Errorf("invalid config: unknown mandatory source %q", name)
		}
	}
	return nil
}

// Location resolves the reporting time zone.
func (c *AppConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Policy builds the reconciliation policy for this configuration.
func (c *AppConfig) Policy() (analytics.Policy, error) {
	conflict, err := analytics.ParseConflictPolicy(c.ConflictPolicy)
	if err != nil {
		return analytics.Policy{}, err
	}
	p := analytics.DefaultPolicy()
	p.Metric = c.Metric
	p.UserLevel = c.UserLevel
	p.Conflict = conflict
	p.Timeout = c.SourceTimeout
	p.MaxRetries = c.SourceMaxRetries
	if len(c.MandatorySources) > 0 {
		p.Mandatory = make(map[string]bool, len(c.MandatorySources))
		for _, name := range c.MandatorySources {
			p.Mandatory[name] = true
		}
	}
	return p, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
