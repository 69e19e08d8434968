package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type StorageSettings struct {
	Backend         string        `mapstructure:"STORAGE_BACKEND"`
	Bucket          string        `mapstructure:"STORAGE_BUCKET"`
	Endpoint        string        `mapstructure:"STORAGE_ENDPOINT"`
	Region          string        `mapstructure:"STORAGE_REGION"`
	AccessKeyID     string        `mapstructure:"STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey string        `mapstructure:"STORAGE_SECRET_ACCESS_KEY"`
	PublicBase      string        `mapstructure:"STORAGE_PUBLIC_BASE"`
	FSRoot          string        `mapstructure:"STORAGE_FS_ROOT"`
	PresignTTL      time.Duration `mapstructure:"STORAGE_PRESIGN_TTL"`
}

type FTPSettings struct {
	Host     string        `mapstructure:"FTP_HOST"`
	User     string        `mapstructure:"FTP_USER"`
	Password string        `mapstructure:"FTP_PASS"`
	Timeout  time.Duration `mapstructure:"FTP_TIMEOUT"`
}

type FXSettings struct {
	URL      string        `mapstructure:"FX_URL"`
	Timeout  time.Duration `mapstructure:"FX_TIMEOUT"`
	RedisURL string        `mapstructure:"FX_REDIS_URL"`
	CacheTTL time.Duration `mapstructure:"FX_CACHE_TTL"`
}

// Settings is the runtime environment of the process.
type Settings struct {
	TempDir       string
	SuppliersPath string
	ProfilesPath  string
	StateDB       string
	CatalogDSN    string

	Storage StorageSettings
	FTP     FTPSettings
	FX      FXSettings

	LogLevel    string
	LogFormat   string
	HTTPAddr    string
	RunTimeout  time.Duration
	Parallelism int
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (*Settings, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PRICEFEED_TEMP_DIR", "tmp")
	v.SetDefault("PRICEFEED_SUPPLIERS", "suppliers.yaml")
	v.SetDefault("PRICEFEED_PROFILES", "profiles.yaml")
	v.SetDefault("PRICEFEED_STATE_DB", "price-spooler.db")
	v.SetDefault("PRICEFEED_CATALOG_DSN", "")
	v.SetDefault("STORAGE_BACKEND", "fs")
	v.SetDefault("STORAGE_BUCKET", "")
	v.SetDefault("STORAGE_ENDPOINT", "")
	v.SetDefault("STORAGE_REGION", "auto")
	v.SetDefault("STORAGE_ACCESS_KEY_ID", "")
	v.SetDefault("STORAGE_SECRET_ACCESS_KEY", "")
	v.SetDefault("STORAGE_PUBLIC_BASE", "")
	v.SetDefault("STORAGE_FS_ROOT", "artifacts")
	v.SetDefault("STORAGE_PRESIGN_TTL", time.Hour)
	v.SetDefault("FTP_HOST", "")
	v.SetDefault("FTP_USER", "")
	v.SetDefault("FTP_PASS", "")
	v.SetDefault("FTP_TIMEOUT", 30*time.Second)
	v.SetDefault("FX_URL", DefaultNBUURL)
	v.SetDefault("FX_TIMEOUT", 10*time.Second)
	v.SetDefault("FX_REDIS_URL", "")
	v.SetDefault("FX_CACHE_TTL", time.Hour)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("RUN_TIMEOUT", 10*time.Minute)
	v.SetDefault("RUN_PARALLELISM", 1)

	s := &Settings{
		TempDir:       v.GetString("PRICEFEED_TEMP_DIR"),
		SuppliersPath: v.GetString("PRICEFEED_SUPPLIERS"),
		ProfilesPath:  v.GetString("PRICEFEED_PROFILES"),
		StateDB:       v.GetString("PRICEFEED_STATE_DB"),
		CatalogDSN:    v.GetString("PRICEFEED_CATALOG_DSN"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		LogFormat:     v.GetString("LOG_FORMAT"),
		HTTPAddr:      v.GetString("HTTP_ADDR"),
		RunTimeout:    v.GetDuration("RUN_TIMEOUT"),
		Parallelism:   v.GetInt("RUN_PARALLELISM"),
	}
	if err := v.Unmarshal(&s.Storage); err != nil {
		return nil, fmt.Errorf("storage settings: %w", err)
	}
	if err := v.Unmarshal(&s.FTP); err != nil {
		return nil, fmt.Errorf("ftp settings: %w", err)
	}
	if err := v.Unmarshal(&s.FX); err != nil {
		return nil, fmt.Errorf("fx settings: %w", err)
	}
	s.Storage.Backend = strings.ToLower(strings.TrimSpace(s.Storage.Backend))

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var problems []string
	switch s.Storage.Backend {
	case "fs":
		if strings.TrimSpace(s.Storage.FSRoot) == "" {
			problems = append(problems, "STORAGE_FS_ROOT is required for the fs backend")
		}
	case "s3":
		if strings.TrimSpace(s.Storage.Bucket) == "" {
			problems = append(problems, "STORAGE_BUCKET is required for the s3 backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("STORAGE_BACKEND must be fs or s3, got %q", s.Storage.Backend))
	}
	if s.Parallelism < 1 {
		problems = append(problems, "RUN_PARALLELISM must be at least 1")
	}
	if s.RunTimeout < 0 {
		problems = append(problems, "RUN_TIMEOUT must not be negative")
	}
	if strings.TrimSpace(s.TempDir) == "" {
		problems = append(problems, "PRICEFEED_TEMP_DIR is required")
	}
	if len(problems) > 0 {
		return &ConfigError{Path: "environment", Problems: problems}
	}
	return nil
}
