package upa

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFactory struct {
	drivers []string
	created []Config
}

func (f *fakeFactory) Create(ctx context.Context, cfg Config) (Backend, error) {
	f.created = append(f.created, cfg)
	return newFakeBackend(cfg.Driver, KindSQL, cfg.Pool), nil
}

func (f *fakeFactory) SupportedDrivers() []string { return f.drivers }

type closingBackend struct {
	*fakeBackend
	closeErr  error
	healthErr error
	closed    bool
}

func (b *closingBackend) Close() error {
	b.closed = true
	b.fakeBackend.Close()
	return b.closeErr
}

func (b *closingBackend) Health(ctx context.Context) error { return b.healthErr }

func TestRegisterBackendAndOpen(t *testing.T) {
	f := &fakeFactory{drivers: []string{"fakedb", "fakedb2"}}
	RegisterBackend("fake-family", f)

	names := ListBackends()
	assert.Contains(t, names, "fake-family")
	assert.Contains(t, names, "fakedb2")

	b, err := Open(context.Background(), "fakedb2", Config{Database: "x"})
	require.NoError(t, err)
	defer b.Close()
	require.Len(t, f.created, 1)
	assert.Equal(t, "fakedb2", f.created[0].Driver, "driver is filled in")

	_, err = Open(context.Background(), "nope", Config{})
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))

	assert.Panics(t, func() { RegisterBackend("nil", nil) })
}

func TestBackendRegistry(t *testing.T) {
	reg := NewBackendRegistry()
	primary := &closingBackend{fakeBackend: newFakeBackend("primary", KindSQL, PoolConfig{})}
	cache := &closingBackend{
		fakeBackend: newFakeBackend("cache", KindDocument, PoolConfig{}),
		healthErr:   errors.New("unreachable"),
	}
	reg.Register("primary", primary)
	reg.Register("cache", cache)

	assert.Equal(t, []string{"cache", "primary"}, reg.Names())

	got, err := reg.Get("primary")
	require.NoError(t, err)
	assert.Same(t, primary, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrBackendNotFound)
	assert.Panics(t, func() { reg.MustGet("missing") })

	health := reg.HealthCheck(context.Background())
	assert.NoError(t, health["primary"])
	assert.EqualError(t, health["cache"], "unreachable")

	require.NoError(t, reg.Remove("primary"))
	assert.True(t, primary.closed)
	assert.ErrorIs(t, reg.Remove("primary"), ErrBackendNotFound)
}

func TestBackendRegistry_CloseAllJoinsErrors(t *testing.T) {
	reg := NewBackendRegistry()
	a := &closingBackend{fakeBackend: newFakeBackend("a", KindSQL, PoolConfig{}), closeErr: errors.New("a failed")}
	b := &closingBackend{fakeBackend: newFakeBackend("b", KindSQL, PoolConfig{})}
	reg.Register("a", a)
	reg.Register("b", b)

	err := reg.CloseAll()
	assert.ErrorContains(t, err, "a failed")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Empty(t, reg.Names())
}

func TestBackendsIsSingleton(t *testing.T) {
	assert.Same(t, Backends(), Backends())
}
