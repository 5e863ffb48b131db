package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"invoice-collector-go/internal/errs"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Mail       MailConfig       `mapstructure:"mail"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Report     ReportConfig     `mapstructure:"report"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the state store connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=sqlite mysql postgres"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MailConfig selects and configures the message source
type MailConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=imap gmail"`

	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	IMAPUser     string `mapstructure:"imap_user"`
	IMAPPassword string `mapstructure:"imap_password"`
	IMAPFolder   string `mapstructure:"imap_folder"`

	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	UserEmail    string `mapstructure:"user_email"`
}

// FilterConfig holds the eligibility rules
type FilterConfig struct {
	SubjectKeywords  []string `mapstructure:"subject_keywords"`
	WhitelistSenders []string `mapstructure:"whitelist_senders"`
}

// ClassifierConfig holds the invoice classifier settings
type ClassifierConfig struct {
	Provider            string        `mapstructure:"provider" validate:"oneof=anthropic stub"`
	APIKey              string        `mapstructure:"api_key"`
	Model               string        `mapstructure:"model"`
	BaseURL             string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
	// SenderSuppliers hints the supplier behind known senders.
	SenderSuppliers []SupplierHint `mapstructure:"sender_suppliers" validate:"dive"`
	// OwnerNames are the buyer's own company names. They are never taken as the supplier.
	OwnerNames []string `mapstructure:"owner_names"`
}

// SupplierHint names the supplier for a sender address or a whole domain
// ("supplier2.com" or "@supplier2.com").
type SupplierHint struct {
	Sender   string `mapstructure:"sender" validate:"required"`
	Supplier string `mapstructure:"supplier" validate:"required"`
}

// StorageConfig selects and configures the uploader
type StorageConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=s3 local"`
	Folder   string `mapstructure:"folder" validate:"required"`
	LocalDir string `mapstructure:"local_dir"`

	S3Bucket          string `mapstructure:"s3_bucket"`
	S3Region          string `mapstructure:"s3_region"`
	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	PublicBaseURL     string `mapstructure:"public_base_url"`
}

// PipelineConfig holds orchestrator limits
type PipelineConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts" validate:"gte=1"`
	Concurrency        int           `mapstructure:"concurrency" validate:"gte=1"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	InitialLookback    time.Duration `mapstructure:"initial_lookback"`
	MaxAttachmentBytes int64         `mapstructure:"max_attachment_bytes" validate:"gte=0"`
	// MaxArchiveBytes caps the decompressed size of all members of one zip.
	MaxArchiveBytes int64 `mapstructure:"max_archive_bytes" validate:"gte=0"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// ReportConfig holds the monthly report schedule
type ReportConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	DayOfMonth int  `mapstructure:"day_of_month" validate:"gte=1,lte=28"`
	Hour       int  `mapstructure:"hour" validate:"gte=0,lte=23"`
}

// NotifyConfig holds notifier configuration. An empty AMQP URL logs events only.
type NotifyConfig struct {
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from environment variables and an optional
// config file. An empty path searches ./config.yaml and ./config/config.yaml.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/invoices.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("mail.provider", "imap")
	v.SetDefault("mail.imap_host", "imap.gmail.com")
	v.SetDefault("mail.imap_port", 993)
	v.SetDefault("mail.imap_folder", "INBOX")

	v.SetDefault("filter.subject_keywords", []string{"invoice", "facture", "receipt"})

	v.SetDefault("classifier.provider", "anthropic")
	v.SetDefault("classifier.model", "claude-haiku-4-5")
	v.SetDefault("classifier.base_url", "https://api.anthropic.com")
	v.SetDefault("classifier.timeout", "60s")
	v.SetDefault("classifier.confidence_threshold", 0.5)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.folder", "Invoices")
	v.SetDefault("storage.local_dir", "data/drive")

	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.run_timeout", "10m")
	v.SetDefault("pipeline.initial_lookback", "24h")
	v.SetDefault("pipeline.max_attachment_bytes", 20<<20)
	v.SetDefault("pipeline.max_archive_bytes", 100<<20)

	v.SetDefault("scheduler.interval_minutes", 60)

	v.SetDefault("report.enabled", true)
	v.SetDefault("report.day_of_month", 1)
	v.SetDefault("report.hour", 8)

	v.SetDefault("notify.exchange", "invoice-collector")
	v.SetDefault("notify.routing_key", "pipeline.events")

	v.SetDefault("log.level", "info")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.path", "DB_PATH")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")

	// Mail
	v.BindEnv("mail.provider", "MAIL_PROVIDER")
	v.BindEnv("mail.imap_host", "IMAP_HOST")
	v.BindEnv("mail.imap_port", "IMAP_PORT")
	v.BindEnv("mail.imap_user", "IMAP_USER")
	v.BindEnv("mail.imap_password", "IMAP_PASSWORD")
	v.BindEnv("mail.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("mail.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("mail.refresh_token", "GMAIL_REFRESH_TOKEN")
	v.BindEnv("mail.user_email", "GMAIL_USER_EMAIL")

	// Classifier
	v.BindEnv("classifier.provider", "CLASSIFIER_PROVIDER")
	v.BindEnv("classifier.api_key", "CLASSIFIER_API_KEY", "ANTHROPIC_API_KEY")

	// Storage
	v.BindEnv("storage.backend", "STORAGE_BACKEND")
	v.BindEnv("storage.s3_bucket", "S3_BUCKET")
	v.BindEnv("storage.s3_region", "S3_REGION")
	v.BindEnv("storage.s3_endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3_access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3_secret_access_key", "S3_SECRET_ACCESS_KEY")

	// Notify
	v.BindEnv("notify.amqp_url", "AMQP_URL")

	v.BindEnv("log.level", "LOG_LEVEL")
}

// GetDSN returns the driver specific connection string
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	default:
		return c.Path
	}
}

// Mailbox returns the identity of the polled mailbox, used to key the watermark.
func (c *MailConfig) Mailbox() string {
	if c.Provider == "gmail" {
		return strings.ToLower(c.UserEmail)
	}
	return strings.ToLower(c.IMAPUser) + "/" + c.IMAPFolder
}

// Validate validates the configuration. Every failure wraps errs.ErrFatalConfig.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errs.FatalConfig("%v", err)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errs.FatalConfig("database path is required for sqlite")
		}
	default:
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return errs.FatalConfig("database host, user, and dbname are required")
		}
	}

	switch c.Mail.Provider {
	case "imap":
		if c.Mail.IMAPUser == "" || c.Mail.IMAPPassword == "" {
			return errs.FatalConfig("IMAP credentials are required when using IMAP")
		}
	case "gmail":
		if c.Mail.ClientID == "" || c.Mail.ClientSecret == "" || c.Mail.RefreshToken == "" || c.Mail.UserEmail == "" {
			return errs.FatalConfig("Gmail OAuth2 credentials are required when using the Gmail API")
		}
	}

	if c.Classifier.Provider == "anthropic" && c.Classifier.APIKey == "" {
		return errs.FatalConfig("classifier api key is required")
	}

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.S3Bucket == "" || c.Storage.S3Region == "" {
			return errs.FatalConfig("s3 bucket and region are required")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return errs.FatalConfig("storage local_dir is required")
		}
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return errs.FatalConfig("scheduler interval must be greater than 0")
	}

	return nil
}
