// Package upacassandra provides the Cassandra backend for upa, built on
// gocql.
//
// An entity's identifier is the partition key. Fields tagged clustering
// become clustering columns in declaration order, and indexed fields get a
// secondary index. Queries may restrict the partition key with = or IN,
// clustering columns with = or a range, and indexed columns with =.
// Writes are lightweight transactions, so creating an existing row reports
// a duplicate and updating a missing one reports not found.
package upacassandra

import (
	"context"

	"github.com/gocql/gocql"
	"github.com/lemmego/upa"
	"github.com/sirupsen/logrus"
)

func init() {
	upa.RegisterBackend(backendName, &Factory{})
}

// Factory opens Cassandra backends.
type Factory struct{}

// Create connects to the cluster.
func (f *Factory) Create(ctx context.Context, cfg upa.Config) (upa.Backend, error) {
	return Open(ctx, cfg)
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"cassandra", "scylla", "cql"}
}

// Backend is a connected keyspace.
type Backend struct {
	session    *gocql.Session
	info       upa.BackendInfo
	translator *Translator
	sessions   *upa.SessionManager
	log        *logrus.Entry
}

var _ upa.Backend = (*Backend)(nil)

// Open dials the cluster described by cfg.
func Open(ctx context.Context, cfg upa.Config) (*Backend, error) {
	log := cfg.Logger().WithField("backend", backendName)
	session, err := createSession(cfg, log)
	if err != nil {
		return nil, err
	}
	b, err := New(session, cfg)
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := b.Health(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an open gocql session.
func New(session *gocql.Session, cfg upa.Config) (*Backend, error) {
	if session == nil {
		return nil, upa.NewError(upa.ErrorTypeInvalidArgument, "cassandra session is nil")
	}
	log := cfg.Logger().WithField("backend", backendName)
	b := newBackend(cfg, log)
	b.session = session
	sessions, err := upa.NewSessionManager(backendName, b.connect, cfg.Pool, log)
	if err != nil {
		return nil, err
	}
	b.sessions = sessions
	return b, nil
}

func newBackend(cfg upa.Config, log *logrus.Entry) *Backend {
	return &Backend{
		translator: NewTranslator(),
		log:        log,
		info: upa.BackendInfo{
			Name:   backendName,
			Driver: cfg.Driver,
			Kind:   upa.KindWideColumn,
			Features: []upa.Feature{
				upa.FeatureIndexes,
				upa.FeatureCursorPaging,
			},
		},
	}
}

func (b *Backend) connect(ctx context.Context) (upa.Conn, error) {
	if b.session.Closed() {
		return nil, upa.NewError(upa.ErrorTypeConnection, "cassandra session is closed")
	}
	return &conn{session: b.session, log: b.log}, nil
}

func (b *Backend) Info() upa.BackendInfo         { return b.info }
func (b *Backend) Translator() upa.Translator    { return b.translator }
func (b *Backend) Sessions() *upa.SessionManager { return b.sessions }

// Session returns the underlying gocql session.
func (b *Backend) Session() *gocql.Session { return b.session }

// Health reads the local node's release version.
func (b *Backend) Health(ctx context.Context) error {
	c := &conn{session: b.session, log: b.log}
	if err := c.Ping(ctx); err != nil {
		return upa.NewErrorWithCause(upa.ErrorTypeConnection, "cassandra health check failed", err)
	}
	return nil
}

// Close drains the session pool and closes the gocql session.
func (b *Backend) Close() error {
	if b.sessions != nil {
		b.sessions.Close()
	}
	if b.session != nil {
		b.session.Close()
	}
	return nil
}
