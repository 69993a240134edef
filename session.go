package upa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sirupsen/logrus"
)

// =====================================
// Session Management
// =====================================

// ConnFactory opens a new native session.
type ConnFactory func(ctx context.Context) (Conn, error)

// SessionManager pools the sessions of one backend.
type SessionManager struct {
	name string
	cfg  PoolConfig
	pool *puddle.Pool[Conn]
	log  *logrus.Entry

	borrowed atomic.Int64
	released atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSessionManager creates a pool of at most cfg.MaxSize sessions opened by factory.
func NewSessionManager(name string, factory ConnFactory, cfg PoolConfig, logger *logrus.Entry) (*SessionManager, error) {
	if factory == nil {
		return nil, NewError(ErrorTypeInvalidArgument, "session factory is nil")
	}
	if logger == nil {
		logger = defaultLogger()
	}
	m := &SessionManager{
		name: name,
		cfg:  cfg.WithDefaults(),
		log:  logger.WithField("pool", name),
		done: make(chan struct{}),
	}

	pool, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) {
			return factory(ctx)
		},
		Destructor: func(conn Conn) {
			if err := conn.Close(); err != nil {
				m.log.WithError(err).Warn("failed to close session")
			}
		},
		MaxSize: m.cfg.MaxSize,
	})
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeInvalidArgument, "invalid pool configuration", err)
	}
	m.pool = pool

	if m.cfg.IdleTimeout > 0 || m.cfg.MinIdle > 0 {
		m.wg.Add(1)
		go m.reap()
	}
	return m, nil
}

// Name returns the pool name.
func (m *SessionManager) Name() string { return m.name }

// Config returns the effective pool configuration.
func (m *SessionManager) Config() PoolConfig { return m.cfg }

// Acquire borrows a session. The wait is bounded by the borrow timeout and by ctx.
// Sessions idle for longer than the health check period are pinged first.
func (m *SessionManager) Acquire(ctx context.Context) (*SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewErrorWithCause(ErrorTypeTimeout, "caller context done before acquire", err)
	}
	borrowCtx, cancel := context.WithTimeout(ctx, m.cfg.BorrowTimeout)
	defer cancel()

	for {
		res, err := m.pool.Acquire(borrowCtx)
		if err != nil {
			return nil, m.acquireError(ctx, borrowCtx, err)
		}
		if m.cfg.HealthCheckPeriod > 0 && res.IdleDuration() > m.cfg.HealthCheckPeriod {
			if p, ok := res.Value().(Pinger); ok {
				if err := p.Ping(borrowCtx); err != nil {
					m.log.WithError(err).Warn("discarding session that failed health check")
					res.Destroy()
					continue
				}
			}
		}
		m.borrowed.Add(1)
		return &SessionHandle{res: res, mgr: m}, nil
	}
}

func (m *SessionManager) acquireError(ctx, borrowCtx context.Context, err error) error {
	switch {
	case errors.Is(err, puddle.ErrClosedPool):
		return NewErrorWithCause(ErrorTypeConnection, fmt.Sprintf("session pool %s is closed", m.name), err)
	case ctx.Err() != nil:
		return NewErrorWithCause(ErrorTypeTimeout, "caller deadline expired while waiting for a session", err)
	case borrowCtx.Err() != nil:
		return NewErrorWithCause(ErrorTypePoolExhausted,
			fmt.Sprintf("no session available in pool %s within %s", m.name, m.cfg.BorrowTimeout), err)
	}
	if _, ok := AsError(err); ok {
		return err
	}
	e := NewErrorWithCause(ErrorTypeConnection, fmt.Sprintf("cannot open session for pool %s", m.name), err)
	e.Transient = true
	return e
}

// WithSession runs fn on a borrowed session and always releases it.
func (m *SessionManager) WithSession(ctx context.Context, fn func(Conn) error) error {
	h, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Conn())
}

// PoolStats is a snapshot of a session pool.
type PoolStats struct {
	Name                 string
	Acquired             int32
	Idle                 int32
	Total                int32
	Constructing         int32
	Max                  int32
	AcquireCount         int64
	EmptyAcquireCount    int64
	CanceledAcquireCount int64
	AcquireDuration      time.Duration
	Borrowed             int64
	Released             int64
}

// Outstanding returns the number of handles borrowed and not yet released.
func (s PoolStats) Outstanding() int64 {
	return s.Borrowed - s.Released
}

// Stats returns a snapshot of the pool.
func (m *SessionManager) Stats() PoolStats {
	st := m.pool.Stat()
	return PoolStats{
		Name:                 m.name,
		Acquired:             st.AcquiredResources(),
		Idle:                 st.IdleResources(),
		Total:                st.TotalResources(),
		Constructing:         st.ConstructingResources(),
		Max:                  st.MaxResources(),
		AcquireCount:         st.AcquireCount(),
		EmptyAcquireCount:    st.EmptyAcquireCount(),
		CanceledAcquireCount: st.CanceledAcquireCount(),
		AcquireDuration:      st.AcquireDuration(),
		Borrowed:             m.borrowed.Load(),
		Released:             m.released.Load(),
	}
}

// Close stops the reaper and closes every session. It waits for borrowed
// sessions to be released.
func (m *SessionManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.pool.Close()
	})
}

func (m *SessionManager) reap() {
	defer m.wg.Done()

	interval := time.Second
	if m.cfg.IdleTimeout > 2*time.Second {
		interval = m.cfg.IdleTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.topUp()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
			m.topUp()
		}
	}
}

func (m *SessionManager) evictIdle() {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	idle := m.pool.AcquireAllIdle()
	total := m.pool.Stat().TotalResources()
	for _, res := range idle {
		if res.IdleDuration() > m.cfg.IdleTimeout && total > m.cfg.MinIdle {
			res.Destroy()
			total--
			continue
		}
		res.ReleaseUnused()
	}
}

func (m *SessionManager) topUp() {
	for m.pool.Stat().TotalResources() < m.cfg.MinIdle {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BorrowTimeout)
		err := m.pool.CreateResource(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, puddle.ErrClosedPool) {
				m.log.WithError(err).Warn("failed to open idle session")
			}
			return
		}
	}
}

// SessionHandle is a borrowed session. Release it exactly once; further
// calls do nothing.
type SessionHandle struct {
	res      *puddle.Resource[Conn]
	mgr      *SessionManager
	released atomic.Bool
	discard  atomic.Bool
}

// Conn returns the native session.
func (h *SessionHandle) Conn() Conn {
	return h.res.Value()
}

// Discard marks the session unusable; Release will close it.
func (h *SessionHandle) Discard() {
	h.discard.Store(true)
}

// Release returns the session to the pool, or closes it if it is broken.
func (h *SessionHandle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.mgr.released.Add(1)
	if b, ok := h.res.Value().(BrokenConn); h.discard.Load() || (ok && b.Broken()) {
		h.mgr.log.Debug("destroying broken session")
		h.res.Destroy()
		return
	}
	h.res.Release()
}
