// Package config loads server settings from defaults, an optional YAML file, the environment and flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Blob backends.
const (
	BlobFS = "fs"
	BlobS3 = "s3"
)

type StoreConfig struct {
	Kind       string `yaml:"kind"`
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

type BlobConfig struct {
	Kind string   `yaml:"kind"`
	Root string   `yaml:"root"`
	S3   S3Config `yaml:"s3"`
}

// SMTPConfig with an empty Host selects the log-only notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type AuthConfig struct {
	CodeTTL         time.Duration `yaml:"code_ttl"`
	LimiterWindow   time.Duration `yaml:"limiter_window"`
	LimiterMaxFails int           `yaml:"limiter_max_fails"`
	LimiterBlockFor time.Duration `yaml:"limiter_block_for"`
}

type LedgerConfig struct {
	LockAfterDays int           `yaml:"lock_after_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepOnRead   bool          `yaml:"sweep_on_read"`
}

type LinksConfig struct {
	Key string        `yaml:"key"`
	TTL time.Duration `yaml:"ttl"`
}

type AdminConfig struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
}

// Config is the complete server configuration.
type Config struct {
	Addr      string       `yaml:"addr"`
	Dev       bool         `yaml:"dev"`
	MaxUpload string       `yaml:"max_upload"`
	Store     StoreConfig  `yaml:"store"`
	Blob      BlobConfig   `yaml:"blob"`
	SMTP      SMTPConfig   `yaml:"smtp"`
	Auth      AuthConfig   `yaml:"auth"`
	Ledger    LedgerConfig `yaml:"ledger"`
	Links     LinksConfig  `yaml:"links"`
	Admin     AdminConfig  `yaml:"admin"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		MaxUpload: "32M",
		Store:     StoreConfig{Kind: StoreSQLite, SQLitePath: "data/reports.db"},
		Blob:      BlobConfig{Kind: BlobFS, Root: "data/files"},
		SMTP:      SMTPConfig{Port: 587},
		Auth: AuthConfig{
			CodeTTL:         10 * time.Minute,
			LimiterWindow:   15 * time.Minute,
			LimiterMaxFails: 5,
			LimiterBlockFor: 15 * time.Minute,
		},
		Ledger: LedgerConfig{LockAfterDays: 30, SweepInterval: time.Hour},
		Links:  LinksConfig{TTL: 15 * time.Minute},
		Admin:  AdminConfig{Username: "admin"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by -config or
// REPORTS_CONFIG, then REPORTS_* environment variables, then explicitly set flags.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("report-keeper", flag.ContinueOnError)
	var (
		path        = fs.String("config", "", "YAML config file")
		addr        = fs.String("addr", cfg.Addr, "listen address")
		dev         = fs.Bool("dev", false, "development logging")
		store       = fs.String("store", cfg.Store.Kind, "document store: postgres|sqlite|memory")
		dsn         = fs.String("dsn", "", "PostgreSQL DSN")
		sqlitePath  = fs.String("sqlite", cfg.Store.SQLitePath, "SQLite database file")
		blobKind    = fs.String("blob", cfg.Blob.Kind, "blob store: fs|s3")
		blobRoot    = fs.String("blob-root", cfg.Blob.Root, "root directory of the fs blob store")
		lockDays    = fs.Int("lock-days", cfg.Ledger.LockAfterDays, "days after which a day bucket locks")
		sweepEvery  = fs.Duration("sweep-interval", cfg.Ledger.SweepInterval, "background sweep interval (0 disables)")
		sweepOnRead = fs.Bool("sweep-on-read", false, "sweep before list and get")
		codeTTL     = fs.Duration("code-ttl", cfg.Auth.CodeTTL, "verification code lifetime")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path == "" {
		*path = os.Getenv("REPORTS_CONFIG")
	}
	if *path != "" {
		if err := loadFile(cfg, *path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "dev":
			cfg.Dev = *dev
		case "store":
			cfg.Store.Kind = *store
		case "dsn":
			cfg.Store.DSN = *dsn
		case "sqlite":
			cfg.Store.SQLitePath = *sqlitePath
		case "blob":
			cfg.Blob.Kind = *blobKind
		case "blob-root":
			cfg.Blob.Root = *blobRoot
		case "lock-days":
			cfg.Ledger.LockAfterDays = *lockDays
		case "sweep-interval":
			cfg.Ledger.SweepInterval = *sweepEvery
		case "sweep-on-read":
			cfg.Ledger.SweepOnRead = *sweepOnRead
		case "code-ttl":
			cfg.Auth.CodeTTL = *codeTTL
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides secrets and endpoints from the environment.
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"REPORTS_ADDR":          &cfg.Addr,
		"REPORTS_STORE":         &cfg.Store.Kind,
		"REPORTS_DSN":           &cfg.Store.DSN,
		"REPORTS_SQLITE_PATH":   &cfg.Store.SQLitePath,
		"REPORTS_BLOB":          &cfg.Blob.Kind,
		"REPORTS_BLOB_ROOT":     &cfg.Blob.Root,
		"REPORTS_S3_BUCKET":     &cfg.Blob.S3.Bucket,
		"REPORTS_S3_REGION":     &cfg.Blob.S3.Region,
		"REPORTS_S3_ENDPOINT":   &cfg.Blob.S3.Endpoint,
		"REPORTS_S3_ACCESS_KEY": &cfg.Blob.S3.AccessKey,
		"REPORTS_S3_SECRET_KEY": &cfg.Blob.S3.SecretKey,
		"REPORTS_SMTP_HOST":     &cfg.SMTP.Host,
		"REPORTS_SMTP_USER":     &cfg.SMTP.Username,
		"REPORTS_SMTP_PASSWORD": &cfg.SMTP.Password,
		"REPORTS_SMTP_FROM":     &cfg.SMTP.From,
		"REPORTS_LINK_KEY":      &cfg.Links.Key,
		"REPORTS_ADMIN_USER":    &cfg.Admin.Username,
		"REPORTS_ADMIN_EMAIL":   &cfg.Admin.Email,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("REPORTS_SMTP_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REPORTS_SMTP_PORT: %w", err)
		}
		cfg.SMTP.Port = p
	}
	return nil
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store postgres requires a dsn"))
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store sqlite requires a path"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store.Kind))
	}
	switch c.Blob.Kind {
	case BlobFS:
		if c.Blob.Root == "" {
			errs = append(errs, errors.New("blob fs requires a root"))
		}
	case BlobS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob s3 requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob store %q", c.Blob.Kind))
	}
	if c.Auth.LimiterMaxFails <= 0 {
		errs = append(errs, errors.New("limiter_max_fails must be positive"))
	}
	if c.Ledger.LockAfterDays < 0 {
		errs = append(errs, errors.New("lock_after_days must not be negative"))
	}
	return errors.Join(errs...)
}
