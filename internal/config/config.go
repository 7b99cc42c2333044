package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App     `yaml:"app"`
		HTTP    `yaml:"http"`
		Log     `yaml:"logger"`
		Storage `yaml:"storage"`
		Rights  `yaml:"rights"`
		PG      `yaml:"postgres"`
	}

	App struct {
		Env     string `yaml:"env"     env-default:"local" env:"APP_ENV"`
		Name    string `yaml:"name"    env-default:"davstore"`
		Version string `yaml:"version" env-default:"dev"   env:"APP_VERSION"`
	}

	HTTP struct {
		IP               string        `yaml:"ip"                 env-default:"0.0.0.0"`
		Port             string        `yaml:"port"               env-default:"5232"`
		ReadTimeout      time.Duration `yaml:"read_timeout"       env-default:"30s"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"       env-default:"60s"`
		MaxContentLength int64         `yaml:"max_content_length" env-default:"100000000"`
		Auth             string        `yaml:"auth"               env-default:"basic://"  env:"HTTP_AUTH"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"           env:"HTTP_SERVER_PASSWORD"`
		CORS             struct {
			AllowedMethods     []string `yaml:"allowed_methods"`
			AllowedOrigins     []string `yaml:"allowed_origins"`
			AllowCredentials   bool     `yaml:"allow_credentials"`
			AllowedHeaders     []string `yaml:"allowed_headers"`
			OptionsPassthrough bool     `yaml:"options_passthrough"`
			ExposedHeaders     []string `yaml:"exposed_headers"`
			Debug              bool     `yaml:"debug"`
		} `yaml:"cors"`
	}

	Log struct {
		Level      string `yaml:"log_level"   env-default:"info" env:"LOG_LEVEL"`
		File       string `yaml:"file"        env:"LOG_FILE"`
		MaxSizeMB  int    `yaml:"max_size_mb" env-default:"100"`
		MaxBackups int    `yaml:"max_backups" env-default:"3"`
	}

	Storage struct {
		URL                 string        `yaml:"url"                  env-default:"file://./collections" env:"STORAGE_URL"`
		MaxSyncTokenAge     time.Duration `yaml:"max_sync_token_age"   env-default:"720h"`
		LockTimeout         time.Duration `yaml:"lock_timeout"         env-default:"30s"`
		CleanupSchedule     string        `yaml:"cleanup_schedule"     env-default:"@hourly"`
		Watch               bool          `yaml:"watch"                env-default:"false"`
		Fsync               bool          `yaml:"fsync"                env-default:"true"`
		GetMultiConcurrency int           `yaml:"getmulti_concurrency" env-default:"8"`
	}

	Rights struct {
		Type string `yaml:"type" env-default:"owner_only" env:"RIGHTS_TYPE"`
	}

	PG struct {
		PoolMax      int           `yaml:"pool_max"      env-default:"8"`
		ConnAttempts int           `yaml:"conn_attempts" env-default:"10"`
		ConnTimeout  time.Duration `yaml:"conn_timeout"  env-default:"1s"`
		TraceQueries bool          `yaml:"trace_queries" env-default:"false"`
	}
)

const (
	EnvConfigPathName  = "CONFIG_PATH"
	FlagConfigPathName = "config"
)

// Load reads the YAML file at path and overlays the environment. An empty
// path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config - Load - cleanenv.ReadEnv: %w", err)
		}
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config - Load: %w", err)
	}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("config - Load - cleanenv.ReadConfig: %w", err)
	}
	return cfg, nil
}

// MustLoad loads the file named by the -config flag or CONFIG_PATH and
// exits with the usage text when that fails.
func MustLoad() *Config {
	var configPath string
	flag.StringVar(&configPath, FlagConfigPathName, "", "path to the config file")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv(EnvConfigPathName)
	}

	cfg, err := Load(configPath)
	if err != nil {
		helpText := "davstore - calendar and contact storage"
		help, _ := cleanenv.GetDescription(&Config{}, &helpText)
		fmt.Fprintln(os.Stderr, help)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}
