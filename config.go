package upa

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// =====================================
// Configuration Loading
// =====================================

// fileConfig is the layout of a configuration file:
//
//	backends:
//	  primary:
//	    driver: postgres
//	    host: ${DB_HOST}
//	    pool:
//	      max_size: 20
//	      borrow_timeout: 2s
type fileConfig struct {
	Backends map[string]Config `yaml:"backends"`
}

// LoadConfig reads named backend configurations from a YAML file.
// ${VAR} references are expanded from the environment before parsing.
func LoadConfig(path string) (map[string]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeInvalidArgument, "cannot read config file "+path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration data.
func ParseConfig(data []byte) (map[string]Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return nil, NewErrorWithCause(ErrorTypeInvalidArgument, "invalid config", err)
	}
	if len(fc.Backends) == 0 {
		return nil, NewError(ErrorTypeInvalidArgument, "config declares no backends")
	}
	for name, cfg := range fc.Backends {
		if cfg.Driver == "" {
			return nil, Errorf(ErrorTypeInvalidArgument, "backend %q has no driver", name)
		}
		cfg.Pool = cfg.Pool.WithDefaults()
		fc.Backends[name] = cfg
	}
	return fc.Backends, nil
}

// LoadDotEnv loads .env files into the environment. Variables that are
// already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ConfigFromEnv reads one backend configuration from variables named
// PREFIX_DRIVER, PREFIX_HOST and so on.
func ConfigFromEnv(prefix string) Config {
	key := func(name string) string {
		if prefix == "" {
			return name
		}
		return strings.ToUpper(prefix) + "_" + name
	}

	cfg := Config{
		Driver:        getEnv(key("DRIVER"), ""),
		ConnectionURL: getEnv(key("URL"), ""),
		Host:          getEnv(key("HOST"), "localhost"),
		Port:          getEnvInt(key("PORT"), 0),
		Database:      getEnv(key("DATABASE"), ""),
		Username:      getEnv(key("USER"), ""),
		Password:      getEnv(key("PASSWORD"), ""),
		Keyspace:      getEnv(key("KEYSPACE"), ""),
		Consistency:   getEnv(key("CONSISTENCY"), ""),
		Pool: PoolConfig{
			MaxSize:           int32(getEnvInt(key("POOL_MAX_SIZE"), int(DefaultPoolSize))),
			MinIdle:           int32(getEnvInt(key("POOL_MIN_IDLE"), 0)),
			BorrowTimeout:     getEnvDuration(key("POOL_BORROW_TIMEOUT"), DefaultBorrowTimeout),
			IdleTimeout:       getEnvDuration(key("POOL_IDLE_TIMEOUT"), 0),
			HealthCheckPeriod: getEnvDuration(key("POOL_HEALTH_CHECK_PERIOD"), DefaultHealthCheckPeriod),
		},
		MaxOpenConns:    getEnvInt(key("MAX_OPEN_CONNS"), 0),
		MaxIdleConns:    getEnvInt(key("MAX_IDLE_CONNS"), 0),
		ConnMaxLifetime: getEnvDuration(key("CONN_MAX_LIFETIME"), 0),
		ConnectTimeout:  getEnvDuration(key("CONNECT_TIMEOUT"), 0),
		Tracing:         getEnvBool(key("TRACING"), false),
		LogLevel:        getEnv(key("LOG_LEVEL"), ""),
		SSL: SSLConfig{
			Enabled:  getEnvBool(key("SSL_ENABLED"), false),
			Mode:     getEnv(key("SSL_MODE"), ""),
			CertFile: getEnv(key("SSL_CERT"), ""),
			KeyFile:  getEnv(key("SSL_KEY"), ""),
			CAFile:   getEnv(key("SSL_CA"), ""),
		},
	}
	if points := getEnv(key("CONTACT_POINTS"), ""); points != "" {
		cfg.ContactPoints = strings.Split(points, ",")
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

// =====================================
// Logging
// =====================================

func defaultLogger() *logrus.Entry {
	return logrus.StandardLogger().WithField("component", "upa")
}

// NewLogger returns a logger at the named level, info when level is empty
// or unknown.
func NewLogger(level string) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l.WithField("component", "upa")
}

// Logger returns the logger configured by cfg.LogLevel, or the default one.
func (c Config) Logger() *logrus.Entry {
	if c.LogLevel == "" {
		return defaultLogger()
	}
	return NewLogger(c.LogLevel)
}
