package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultEnvFile = ".env"

// Config captures everything one poll cycle needs. Values are layered:
// defaults, YAML file, .env file, environment, then explicitly set flags.
type Config struct {
	IMAP               IMAPConfig    `yaml:"imap"`
	LLM                LLMConfig     `yaml:"llm"`
	Sheets             SheetsConfig  `yaml:"sheets"`
	Metrics            MetricsConfig `yaml:"metrics"`
	MerchantDomains    []string      `yaml:"merchant_domains" env:"MERCHANT_DOMAINS" envSeparator:","`
	ExcludeSubject     []string      `yaml:"exclude_subject" env:"EXCLUDE_SUBJECT" envSeparator:";"`
	AttachmentMaxBytes int64         `yaml:"attachment_max_bytes" env:"ATTACHMENT_MAX_BYTES"`
	ArchiveMbox        string        `yaml:"archive_mbox" env:"ARCHIVE_MBOX"`
	DryRun             bool          `yaml:"dry_run" env:"DRY_RUN"`
	Schedule           string        `yaml:"schedule" env:"SCHEDULE"`
	LogLevel           string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogDir             string        `yaml:"log_dir" env:"LOG_DIR"`
}

type IMAPConfig struct {
	Host               string        `yaml:"host" env:"IMAP_HOST"`
	Port               int           `yaml:"port" env:"IMAP_PORT"`
	Username           string        `yaml:"username" env:"IMAP_USERNAME"`
	Password           string        `yaml:"password" env:"IMAP_PASSWORD"`
	UseTLS             bool          `yaml:"use_tls" env:"IMAP_USE_TLS"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"IMAP_INSECURE_SKIP_VERIFY"`
	Folder             string        `yaml:"folder" env:"IMAP_FOLDER"`
	UnseenOnly         bool          `yaml:"unseen_only" env:"IMAP_UNSEEN_ONLY"`
	SinceDays          int           `yaml:"since_days" env:"IMAP_SINCE_DAYS"`
	MaxResults         int           `yaml:"max_results" env:"IMAP_MAX_RESULTS"`
	Timeout            time.Duration `yaml:"timeout" env:"IMAP_TIMEOUT"`
}

type LLMConfig struct {
	APIKey            string        `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
	BaseURL           string        `yaml:"base_url" env:"LLM_BASE_URL"`
	Model             string        `yaml:"model" env:"LLM_MODEL"`
	MaxTokens         int           `yaml:"max_tokens" env:"LLM_MAX_TOKENS"`
	MaxCalls          int           `yaml:"max_calls" env:"LLM_MAX_CALLS"`
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"LLM_REQUESTS_PER_MINUTE"`
	Timeout           time.Duration `yaml:"timeout" env:"LLM_TIMEOUT"`
}

type SheetsConfig struct {
	SpreadsheetID   string        `yaml:"spreadsheet_id" env:"GOOGLE_SHEET_ID"`
	Worksheet       string        `yaml:"worksheet" env:"GOOGLE_SHEET_WORKSHEET"`
	CredentialsFile string        `yaml:"credentials_file" env:"GOOGLE_SERVICE_ACCOUNT_FILE"`
	NormalizeFormat bool          `yaml:"normalize_format" env:"SHEETS_NORMALIZE_FORMAT"`
	EnsureHeader    bool          `yaml:"ensure_header" env:"SHEETS_ENSURE_HEADER"`
	Timeout         time.Duration `yaml:"timeout" env:"SHEETS_TIMEOUT"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" env:"PUSHGATEWAY_URL"`
}

// DefaultMerchantDomains are the wine shops watched when no list is configured.
var DefaultMerchantDomains = []string{
	"chaisdoeuvre.com",
	"chaisdoeuvre.fr",
	"idealwine.com",
	"idealwine.fr",
	"laroutedesblancs.com",
	"laroutedesblancs.fr",
	"purjus.com",
	"purjus.fr",
	"buveurdevin.com",
	"buveurdevin.fr",
	"vpoint.fr",
	"vpoint.com",
	"conceptriesling.com",
	"conceptriesling.fr",
	"vinatis.com",
	"vivino.com",
	"wine.com",
	"totalwine.com",
	"wineenthusiast.com",
	"wine-searcher.com",
	"klwines.com",
	"winelibrary.com",
}

// Default returns the configuration used before any source is applied.
func Default() Config {
	return Config{
		IMAP: IMAPConfig{
			Host:       "imap.gmail.com",
			Port:       993,
			UseTLS:     true,
			Folder:     "INBOX",
			MaxResults: 100,
			Timeout:    60 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.anthropic.com",
			Model:             "claude-sonnet-4-5",
			MaxTokens:         2000,
			MaxCalls:          50,
			RequestsPerMinute: 30,
			Timeout:           60 * time.Second,
		},
		Sheets: SheetsConfig{
			Timeout: 30 * time.Second,
		},
		MerchantDomains:    append([]string(nil), DefaultMerchantDomains...),
		AttachmentMaxBytes: 10 << 20,
		LogLevel:           "info",
	}
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("env-file", defaultEnvFile, "Path to a .env file (ignored when the default file is missing)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for rotated log files (stdout only when empty)")
	flags.Bool("dry-run", false, "Classify orders and log rows without writing to the spreadsheet")
	flags.String("schedule", "", `Poll on a cron schedule, e.g. "@every 15m" (runs once when empty)`)
	return nil
}

// LoadConfig resolves the configuration for the provided command.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	cfg := Default()

	configPath, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	if err := loadDotEnv(envFile, flags.Changed("env-file")); err != nil {
		return Config{}, err
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if flags.Changed("log-level") {
		if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
			return Config{}, err
		}
	}
	if flags.Changed("log-dir") {
		if cfg.LogDir, err = flags.GetString("log-dir"); err != nil {
			return Config{}, err
		}
	}
	if flags.Changed("dry-run") {
		if cfg.DryRun, err = flags.GetBool("dry-run"); err != nil {
			return Config{}, err
		}
	}
	if flags.Changed("schedule") {
		if cfg.Schedule, err = flags.GetString("schedule"); err != nil {
			return Config{}, err
		}
	}

	normalize(&cfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// loadDotEnv sets variables from path that are not already in the
// environment. A missing file is only an error when it was asked for.
func loadDotEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	domains := cfg.MerchantDomains[:0]
	for _, d := range cfg.MerchantDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, d)
		}
	}
	cfg.MerchantDomains = domains
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
}

func validateConfig(cfg Config) error {
	if cfg.IMAP.Host == "" {
		return fmt.Errorf("imap host is required (IMAP_HOST)")
	}
	if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
		return fmt.Errorf("imap port must be between 1 and 65535")
	}
	if cfg.IMAP.Username == "" {
		return fmt.Errorf("imap username is required (IMAP_USERNAME)")
	}
	if cfg.IMAP.Password == "" {
		return fmt.Errorf("imap password must be provided via config file or IMAP_PASSWORD env var")
	}
	if cfg.IMAP.Timeout <= 0 {
		return fmt.Errorf("imap timeout must be positive")
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm api key must be provided via config file or ANTHROPIC_API_KEY env var")
	}
	if cfg.LLM.MaxCalls < 0 {
		return fmt.Errorf("llm max_calls must not be negative")
	}
	if cfg.LLM.Timeout <= 0 {
		return fmt.Errorf("llm timeout must be positive")
	}
	if !cfg.DryRun {
		if cfg.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("spreadsheet id is required (GOOGLE_SHEET_ID)")
		}
		if cfg.Sheets.Worksheet == "" {
			return fmt.Errorf("worksheet is required (GOOGLE_SHEET_WORKSHEET)")
		}
		if cfg.Sheets.CredentialsFile == "" {
			return fmt.Errorf("service account file is required (GOOGLE_SERVICE_ACCOUNT_FILE)")
		}
	}
	if len(cfg.MerchantDomains) == 0 {
		return fmt.Errorf("at least one merchant domain is required")
	}
	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return fmt.Errorf("invalid --schedule %q: %w", cfg.Schedule, err)
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
