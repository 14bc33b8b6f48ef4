package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration. Every recognized option is
// enumerated here and validated eagerly at startup.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Detection DetectionConfig `mapstructure:"detection"`
	Render    RenderConfig    `mapstructure:"render"`
	Email     EmailConfig     `mapstructure:"email"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenExpiry  time.Duration `mapstructure:"token_expiry"`
	MaxUploadMB  int           `mapstructure:"max_upload_mb"`
}

// AccountsConfig configures the account store and credential policy.
type AccountsConfig struct {
	StorePath          string `mapstructure:"store_path"`
	HistoryPath        string `mapstructure:"history_path"`
	MinPasswordLength  int    `mapstructure:"min_password_length"`
	RequireMixedClasses bool  `mapstructure:"require_mixed_classes"`
}

// DetectionConfig configures the detection engine.
type DetectionConfig struct {
	ModelPath           string   `mapstructure:"model_path"`
	LabelsPath          string   `mapstructure:"labels_path"`
	Labels              []string `mapstructure:"labels"`
	ConfidenceThreshold float64  `mapstructure:"confidence_threshold"`
	IoUThreshold        float64  `mapstructure:"iou_threshold"`
	WatchArtifact       bool     `mapstructure:"watch_artifact"`
	RuntimeLibrary      string   `mapstructure:"runtime_library"`
}

// RenderConfig configures annotated artifact output.
type RenderConfig struct {
	OutputDir   string `mapstructure:"output_dir"`
	JPEGQuality int    `mapstructure:"jpeg_quality"`
}

// EmailConfig configures the notification transport and retry policy.
type EmailConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	Sender        string        `mapstructure:"sender"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			TokenExpiry: 24 * time.Hour,
			MaxUploadMB: 16,
		},
		Accounts: AccountsConfig{
			StorePath:          "./data/users.json",
			HistoryPath:        "./data/history.jsonl",
			MinPasswordLength:  8,
			RequireMixedClasses: true,
		},
		Detection: DetectionConfig{
			ModelPath:           "./models/best.onnx",
			ConfidenceThreshold: 0.25,
			IoUThreshold:        0.45,
			WatchArtifact:       true,
		},
		Render: RenderConfig{
			OutputDir:   "./detections",
			JPEGQuality: 90,
		},
		Email: EmailConfig{
			Port:          587,
			SendTimeout:   15 * time.Second,
			MaxRetries:    3,
			BackoffBase:   2 * time.Second,
			AlertCooldown: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads configuration from the given file (optional) and environment
// variables prefixed with RICEGUARD_, layered over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("riceguard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.jwt_secret", d.Server.JWTSecret)
	v.SetDefault("server.token_expiry", d.Server.TokenExpiry)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	v.SetDefault("accounts.store_path", d.Accounts.StorePath)
	v.SetDefault("accounts.history_path", d.Accounts.HistoryPath)
	v.SetDefault("accounts.min_password_length", d.Accounts.MinPasswordLength)
	v.SetDefault("accounts.require_mixed_classes", d.Accounts.RequireMixedClasses)
	v.SetDefault("detection.model_path", d.Detection.ModelPath)
	v.SetDefault("detection.labels_path", d.Detection.LabelsPath)
	v.SetDefault("detection.labels", d.Detection.Labels)
	v.SetDefault("detection.confidence_threshold", d.Detection.ConfidenceThreshold)
	v.SetDefault("detection.iou_threshold", d.Detection.IoUThreshold)
	v.SetDefault("detection.watch_artifact", d.Detection.WatchArtifact)
	v.SetDefault("detection.runtime_library", d.Detection.RuntimeLibrary)
	v.SetDefault("render.output_dir", d.Render.OutputDir)
	v.SetDefault("render.jpeg_quality", d.Render.JPEGQuality)
	v.SetDefault("email.host", d.Email.Host)
	v.SetDefault("email.port", d.Email.Port)
	v.SetDefault("email.use_ssl", d.Email.UseSSL)
	v.SetDefault("email.sender", d.Email.Sender)
	v.SetDefault("email.username", d.Email.Username)
	v.SetDefault("email.password", d.Email.Password)
	v.SetDefault("email.send_timeout", d.Email.SendTimeout)
	v.SetDefault("email.max_retries", d.Email.MaxRetries)
	v.SetDefault("email.backoff_base", d.Email.BackoffBase)
	v.SetDefault("email.alert_cooldown", d.Email.AlertCooldown)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate checks every option eagerly so misconfiguration fails at startup,
// not at first use.
func (c Config) Validate() error {
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret must be set")
	}
	if c.Accounts.StorePath == "" {
		return fmt.Errorf("accounts.store_path must not be empty")
	}
	if c.Accounts.MinPasswordLength < 1 {
		return fmt.Errorf("accounts.min_password_length must be positive, got %d", c.Accounts.MinPasswordLength)
	}
	if c.Detection.ModelPath == "" {
		return fmt.Errorf("detection.model_path must not be empty")
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be in [0,1], got %g", c.Detection.ConfidenceThreshold)
	}
	if c.Detection.IoUThreshold <= 0 || c.Detection.IoUThreshold > 1 {
		return fmt.Errorf("detection.iou_threshold must be in (0,1], got %g", c.Detection.IoUThreshold)
	}
	if c.Render.OutputDir == "" {
		return fmt.Errorf("render.output_dir must not be empty")
	}
	if c.Render.JPEGQuality < 1 || c.Render.JPEGQuality > 100 {
		return fmt.Errorf("render.jpeg_quality must be in [1,100], got %d", c.Render.JPEGQuality)
	}
	if c.Email.Host != "" {
		if c.Email.Port < 1 || c.Email.Port > 65535 {
			return fmt.Errorf("email.port must be a valid port, got %d", c.Email.Port)
		}
		if c.Email.Sender == "" {
			return fmt.Errorf("email.sender must be set when email.host is configured")
		}
	}
	if c.Email.MaxRetries < 1 {
		return fmt.Errorf("email.max_retries must be at least 1, got %d", c.Email.MaxRetries)
	}
	if c.Email.SendTimeout <= 0 {
		return fmt.Errorf("email.send_timeout must be positive, got %s", c.Email.SendTimeout)
	}
	if c.Email.BackoffBase <= 0 {
		return fmt.Errorf("email.backoff_base must be positive, got %s", c.Email.BackoffBase)
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLogLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "warning", "error", "":
		return s, nil
	default:
		return "", fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
}
