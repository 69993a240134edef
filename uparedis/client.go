package uparedis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lemmego/upa"
)

// NewClient connects to the Redis server described by cfg and pings it.
// Database holds the logical database number.
func NewClient(ctx context.Context, cfg upa.Config) (*redis.Client, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, upa.NewErrorWithCause(upa.ErrorTypeConnection, "failed to connect to Redis", err)
	}
	return client, nil
}

func clientOptions(cfg upa.Config) (*redis.Options, error) {
	if cfg.ConnectionURL != "" {
		opts, err := redis.ParseURL(cfg.ConnectionURL)
		if err != nil {
			return nil, upa.NewErrorWithCause(upa.ErrorTypeInvalidArgument, "invalid redis url", err)
		}
		return opts, nil
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	opts := &redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.Database != "" {
		db, err := strconv.Atoi(cfg.Database)
		if err != nil {
			return nil, upa.Errorf(upa.ErrorTypeInvalidArgument, "redis database must be a number, got %q", cfg.Database)
		}
		opts.DB = db
	}
	if cfg.MaxOpenConns > 0 {
		opts.PoolSize = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		opts.MinIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		opts.MaxConnAge = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		opts.IdleTimeout = cfg.ConnMaxIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout
	}
	if cfg.SSL.Enabled {
		opts.TLSConfig = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.SSL.Mode == "skip-verify",
		}
	}

	if redisOpts, ok := cfg.Options["redis"].(map[string]interface{}); ok {
		opts.DialTimeout = duration(redisOpts["dial_timeout"], opts.DialTimeout)
		opts.ReadTimeout = duration(redisOpts["read_timeout"], opts.ReadTimeout)
		opts.WriteTimeout = duration(redisOpts["write_timeout"], opts.WriteTimeout)
	}
	return opts, nil
}

// duration accepts time.Duration values and strings such as "3s".
func duration(v interface{}, fallback time.Duration) time.Duration {
	switch d := v.(type) {
	case time.Duration:
		return d
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
	}
	return fallback
}

func convertRedisError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, redis.ErrClosed):
		return upa.NewErrorWithCause(upa.ErrorTypeConnection, "redis client is closed", err)
	case errors.Is(err, context.DeadlineExceeded):
		e := upa.NewErrorWithCause(upa.ErrorTypeTimeout, "redis request timed out", err)
		e.Transient = true
		return e
	case errors.As(err, &netErr):
		e := upa.NewErrorWithCause(upa.ErrorTypeConnection, fmt.Sprintf("redis network error: %v", netErr), err)
		e.Transient = true
		return e
	}
	return upa.NewErrorWithCause(upa.ErrorTypeBackend, "Redis operation failed", err)
}
