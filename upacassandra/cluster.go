package upacassandra

import (
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/lemmego/upa"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultConsistency     = "LOCAL_QUORUM"
	defaultTimeout         = 20 * time.Second
	defaultConnsPerHost    = 3
	defaultProtoVersion    = 3
	defaultSocketKeepAlive = 30 * time.Second
	defaultPageSize        = 1000
	defaultPort            = 9042
	defaultRetries         = 3
)

// clusterOptions are the settings read from Options["cassandra"].
type clusterOptions struct {
	DataCenter   string
	TokenAware   bool
	RetryCount   int
	ProtoVersion int
	NumConns     int
	PageSize     int
	CQLVersion   string
}

func parseClusterOptions(cfg upa.Config) clusterOptions {
	opts := clusterOptions{TokenAware: true}
	raw, ok := cfg.Options["cassandra"].(map[string]interface{})
	if !ok {
		return opts
	}
	if s, ok := raw["data_center"].(string); ok {
		opts.DataCenter = s
	}
	if s, ok := raw["host_policy"].(string); ok {
		opts.TokenAware = !strings.EqualFold(s, "round_robin")
	}
	if s, ok := raw["cql_version"].(string); ok {
		opts.CQLVersion = s
	}
	opts.RetryCount = intOption(raw["retry_count"])
	opts.ProtoVersion = intOption(raw["proto_version"])
	opts.NumConns = intOption(raw["num_conns"])
	opts.PageSize = intOption(raw["page_size"])
	return opts
}

// intOption accepts YAML ints and JSON float64s.
func intOption(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// newCluster builds the gocql cluster configuration for cfg.
func newCluster(cfg upa.Config, log *logrus.Entry) (*gocql.ClusterConfig, error) {
	hosts := cfg.ContactPoints
	if len(hosts) == 0 && cfg.Host != "" {
		hosts = []string{cfg.Host}
	}
	if len(hosts) == 0 {
		return nil, upa.NewError(upa.ErrorTypeInvalidArgument, "cassandra needs at least one contact point")
	}
	keyspace := cfg.Keyspace
	if keyspace == "" {
		keyspace = cfg.Database
	}
	if keyspace == "" {
		return nil, upa.NewError(upa.ErrorTypeInvalidArgument, "cassandra needs a keyspace")
	}

	opts := parseClusterOptions(cfg)
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace

	consistency := cfg.Consistency
	if consistency == "" {
		consistency = defaultConsistency
	}
	c, err := gocql.ParseConsistencyWrapper(consistency)
	if err != nil {
		return nil, upa.NewErrorWithCause(upa.ErrorTypeInvalidArgument, "invalid consistency "+consistency, err)
	}
	cluster.Consistency = c
	cluster.SerialConsistency = gocql.LocalSerial

	cluster.Timeout = cfg.ConnectTimeout
	if cluster.Timeout == 0 {
		cluster.Timeout = defaultTimeout
	}
	cluster.ConnectTimeout = cluster.Timeout

	cluster.NumConns = opts.NumConns
	if cluster.NumConns == 0 {
		cluster.NumConns = defaultConnsPerHost
	}

	cluster.ProtoVersion = opts.ProtoVersion
	if cluster.ProtoVersion == 0 {
		cluster.ProtoVersion = defaultProtoVersion
	} else if cluster.ProtoVersion != defaultProtoVersion {
		log.WithField("proto_version", cluster.ProtoVersion).
			Warn("protocol versions other than 3 are not portable across 2.2 and 3.x clusters")
	}

	cluster.SocketKeepalive = defaultSocketKeepAlive
	cluster.PageSize = opts.PageSize
	if cluster.PageSize == 0 {
		cluster.PageSize = defaultPageSize
	}

	cluster.Port = cfg.Port
	if cluster.Port == 0 {
		cluster.Port = defaultPort
	}

	if opts.DataCenter != "" {
		cluster.HostFilter = gocql.DataCentreHostFilter(opts.DataCenter)
	}
	switch {
	case opts.TokenAware && opts.DataCenter != "":
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(opts.DataCenter))
	case opts.TokenAware:
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	default:
		cluster.PoolConfig.HostSelectionPolicy = gocql.RoundRobinHostPolicy()
	}

	if opts.CQLVersion != "" {
		cluster.CQLVersion = opts.CQLVersion
	}

	retries := opts.RetryCount
	if retries == 0 {
		retries = defaultRetries
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: retries}

	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	if cfg.SSL.Enabled {
		cluster.SslOpts = &gocql.SslOptions{
			CertPath:               cfg.SSL.CertFile,
			KeyPath:                cfg.SSL.KeyFile,
			CaPath:                 cfg.SSL.CAFile,
			EnableHostVerification: !strings.EqualFold(cfg.SSL.Mode, "skip-verify"),
		}
	}
	return cluster, nil
}

// createSession dials the cluster.
func createSession(cfg upa.Config, log *logrus.Entry) (*gocql.Session, error) {
	cluster, err := newCluster(cfg, log)
	if err != nil {
		return nil, err
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, upa.NewErrorWithCause(upa.ErrorTypeConnection, "failed to connect to cassandra",
			errors.Wrapf(err, "contact points %v", cluster.Hosts))
	}
	log.WithFields(logrus.Fields{
		"keyspace":    cluster.Keyspace,
		"hosts":       cluster.Hosts,
		"consistency": cluster.Consistency.String(),
	}).Info("cassandra session created")
	return session, nil
}
