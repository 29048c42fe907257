package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout  time.Duration `mapstructure:"idleTimeout"`
}

// BrowserConfig controls how sessions attach to a launched profile.
type BrowserConfig struct {
	AttachTimeout time.Duration `mapstructure:"attachTimeout"`
	PingTimeout   time.Duration `mapstructure:"pingTimeout"`
}

type PoolConfig struct {
	MaxSize       int           `mapstructure:"maxSize"`
	MaxIdleAge    time.Duration `mapstructure:"maxIdleAge"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"` // 0 disables the background sweeper
	RetryAttempts int           `mapstructure:"retryAttempts"`
	RetryDelay    time.Duration `mapstructure:"retryDelay"`
}

type TasksConfig struct {
	DefaultConcurrency int           `mapstructure:"defaultConcurrency"`
	MaxLogs            int           `mapstructure:"maxLogs"`
	RecentLogs         int           `mapstructure:"recentLogs"`
	RecentResults      int           `mapstructure:"recentResults"`
	Retention          time.Duration `mapstructure:"retention"`
	CallbackTimeout    time.Duration `mapstructure:"callbackTimeout"`
}

// BackendConfig selects the profile backend: "docker" or "remote".
type BackendConfig struct {
	Kind   string              `mapstructure:"kind"`
	Docker DockerBackendConfig `mapstructure:"docker"`
	Remote RemoteBackendConfig `mapstructure:"remote"`
}

type DockerBackendConfig struct {
	Image        string        `mapstructure:"image"`
	Host         string        `mapstructure:"host"` // host used in returned endpoints
	DataDir      string        `mapstructure:"dataDir"`
	ReadyTimeout time.Duration `mapstructure:"readyTimeout"`
	StopTimeout  time.Duration `mapstructure:"stopTimeout"`
}

type RemoteBackendConfig struct {
	BaseURL           string        `mapstructure:"baseURL"`
	APIKey            string        `mapstructure:"apiKey"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // empty disables run persistence
}

type LogConfig struct {
	Level       string `mapstructure:"level"`  // debug, info, warn, error
	Format      string `mapstructure:"format"` // console, json
	ServiceName string `mapstructure:"serviceName"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"maxSizeMB"`
	MaxBackups  int    `mapstructure:"maxBackups"`
	MaxAgeDays  int    `mapstructure:"maxAgeDays"`
	Compress    bool   `mapstructure:"compress"`
}

type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	ApiKey         string   `mapstructure:"apiKey"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "15s")
	v.SetDefault("server.writeTimeout", "15s")
	v.SetDefault("server.idleTimeout", "60s")

	v.SetDefault("browser.attachTimeout", "30s")
	v.SetDefault("browser.pingTimeout", "5s")

	v.SetDefault("pool.maxSize", 10)
	v.SetDefault("pool.maxIdleAge", "5m")
	v.SetDefault("pool.sweepInterval", "1m")
	v.SetDefault("pool.retryAttempts", 5)
	v.SetDefault("pool.retryDelay", "3s")

	v.SetDefault("tasks.defaultConcurrency", 3)
	v.SetDefault("tasks.maxLogs", 500)
	v.SetDefault("tasks.recentLogs", 50)
	v.SetDefault("tasks.recentResults", 100)
	v.SetDefault("tasks.retention", "24h")
	v.SetDefault("tasks.callbackTimeout", "10s")

	v.SetDefault("backend.kind", "docker")
	v.SetDefault("backend.docker.image", "browserless/chrome:latest")
	v.SetDefault("backend.docker.host", "localhost")
	v.SetDefault("backend.docker.dataDir", "./storage/profiles")
	v.SetDefault("backend.docker.readyTimeout", "10s")
	v.SetDefault("backend.docker.stopTimeout", "10s")
	v.SetDefault("backend.remote.baseURL", "http://127.0.0.1:50325")
	v.SetDefault("backend.remote.apiKey", "")
	v.SetDefault("backend.remote.requestsPerSecond", 1.0)
	v.SetDefault("backend.remote.burst", 1)
	v.SetDefault("backend.remote.timeout", "30s")

	v.SetDefault("store.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.serviceName", "profilepool")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 50)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 14)
	v.SetDefault("log.compress", false)

	v.SetDefault("security.allowedOrigins", []string{"*"})
	v.SetDefault("security.apiKey", "")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.profilepool")
		v.AddConfigPath("/etc/profilepool")
	}

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("PROFILEPOOL")

	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in defaults without reading any file or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; an unmarshal failure here is a programming error.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}
