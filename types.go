package upa

import "time"

// =====================================
// Core Types and Constants
// =====================================

// Config represents backend connection configuration
type Config struct {
	// Connection details
	Driver        string `json:"driver" yaml:"driver"`
	ConnectionURL string `json:"connection_url" yaml:"connection_url"`
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Database      string `json:"database" yaml:"database"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`

	// Wide-column stores
	ContactPoints []string `json:"contact_points" yaml:"contact_points"`
	Keyspace      string   `json:"keyspace" yaml:"keyspace"`
	Consistency   string   `json:"consistency" yaml:"consistency"`

	// Session pool, handed to the SessionManager
	Pool PoolConfig `json:"pool" yaml:"pool"`

	// Driver level connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// Observability
	Tracing  bool   `json:"tracing" yaml:"tracing"`
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Additional options
	Options map[string]interface{} `json:"options" yaml:"options"`

	// SSL/TLS configuration
	SSL SSLConfig `json:"ssl" yaml:"ssl"`
}

// SSLConfig represents SSL/TLS configuration
type SSLConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Mode     string `json:"mode" yaml:"mode"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file" yaml:"ca_file"`
}

// PoolConfig is passed through to the session pool.
type PoolConfig struct {
	// MaxSize is the maximum number of concurrently borrowed sessions.
	MaxSize int32 `json:"max_size" yaml:"max_size"`
	// MinIdle sessions are kept open by the idle reaper.
	MinIdle int32 `json:"min_idle" yaml:"min_idle"`
	// BorrowTimeout bounds the wait for a free session.
	BorrowTimeout time.Duration `json:"borrow_timeout" yaml:"borrow_timeout"`
	// IdleTimeout closes sessions idle for longer. Zero keeps them forever.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// HealthCheckPeriod pings sessions idle for longer before reuse.
	HealthCheckPeriod time.Duration `json:"health_check_period" yaml:"health_check_period"`
}

// Default pool parameters.
const (
	DefaultPoolSize          int32 = 10
	DefaultBorrowTimeout           = 5 * time.Second
	DefaultHealthCheckPeriod       = time.Minute
)

// WithDefaults fills unset pool parameters.
func (p PoolConfig) WithDefaults() PoolConfig {
	if p.MaxSize <= 0 {
		p.MaxSize = DefaultPoolSize
	}
	if p.MinIdle > p.MaxSize {
		p.MinIdle = p.MaxSize
	}
	if p.BorrowTimeout <= 0 {
		p.BorrowTimeout = DefaultBorrowTimeout
	}
	if p.HealthCheckPeriod == 0 {
		p.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	return p
}

// BackendInfo describes an opened backend
type BackendInfo struct {
	Name     string
	Driver   string
	Kind     BackendKind
	Features []Feature
}

// HasFeature reports whether the backend advertises f.
func (i BackendInfo) HasFeature(f Feature) bool {
	for _, feature := range i.Features {
		if feature == f {
			return true
		}
	}
	return false
}

// BackendKind selects the translator family of a backend.
type BackendKind string

const (
	KindSQL        BackendKind = "sql"
	KindDocument   BackendKind = "document"
	KindWideColumn BackendKind = "wide-column"
)

// Feature represents a backend capability
type Feature string

const (
	FeatureTransactions    Feature = "transactions"
	FeatureIndexes         Feature = "indexes"
	FeatureUniqueIndexes   Feature = "unique_indexes"
	FeatureSubstringSearch Feature = "substring_search"
	FeatureOffsetPaging    Feature = "offset_paging"
	FeatureCursorPaging    Feature = "cursor_paging"
	FeatureAutoIncrement   Feature = "auto_increment"
)

// Operator represents query operators
type Operator string

const (
	OpEqual              Operator = "="
	OpNotEqual           Operator = "!="
	OpGreaterThan        Operator = ">"
	OpGreaterThanOrEqual Operator = ">="
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpLike               Operator = "LIKE"
	OpIn                 Operator = "IN"
)

// Operators lists every operator a Query may carry.
var Operators = []Operator{
	OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual,
	OpLessThan, OpLessThanOrEqual, OpLike, OpIn,
}

// Valid reports whether op is one of Operators.
func (op Operator) Valid() bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// IsRange reports whether op is an ordering comparison.
func (op Operator) IsRange() bool {
	switch op {
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return true
	}
	return false
}

// LogicOperator represents logic operators for combining conditions
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
	LogicNot LogicOperator = "NOT"
)

// Order represents sorting order
type Order struct {
	Field     string
	Direction OrderDirection
}

// OrderDirection represents sort direction
type OrderDirection string

const (
	OrderAsc  OrderDirection = "ASC"
	OrderDesc OrderDirection = "DESC"
)

// IndexType represents different types of indexes
type IndexType string

const (
	IndexTypeUnique   IndexType = "unique"
	IndexTypeStandard IndexType = "standard"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeSchema          ErrorType = "schema"
	ErrorTypeEncoding        ErrorType = "encoding"
	ErrorTypeDecoding        ErrorType = "decoding"
	ErrorTypeUnsupported     ErrorType = "unsupported"
	ErrorTypePoolExhausted   ErrorType = "pool_exhausted"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeBackend         ErrorType = "backend"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeDuplicate       ErrorType = "duplicate"
	ErrorTypeConnection      ErrorType = "connection"
	ErrorTypeTransaction     ErrorType = "transaction"
	ErrorTypeInvalidArgument ErrorType = "invalid_argument"
)
