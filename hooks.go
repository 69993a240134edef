package upa

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// =====================================
// Entity Hook Interfaces
// =====================================

// BeforeCreateHook is called before creating an entity
type BeforeCreateHook interface {
	BeforeCreate(ctx context.Context) error
}

// AfterCreateHook is called after successfully creating an entity
type AfterCreateHook interface {
	AfterCreate(ctx context.Context) error
}

// BeforeUpdateHook is called before updating an entity
type BeforeUpdateHook interface {
	BeforeUpdate(ctx context.Context) error
}

// AfterUpdateHook is called after successfully updating an entity
type AfterUpdateHook interface {
	AfterUpdate(ctx context.Context) error
}

// BeforeDeleteHook is called before deleting an entity. The entity is
// loaded first only if its type implements this hook.
type BeforeDeleteHook interface {
	BeforeDelete(ctx context.Context) error
}

// AfterDeleteHook is called after successfully deleting an entity
type AfterDeleteHook interface {
	AfterDelete(ctx context.Context) error
}

// AfterFindHook is called on every entity a find operation returns
type AfterFindHook interface {
	AfterFind(ctx context.Context) error
}

// ValidationHook is called to validate an entity before create/update
type ValidationHook interface {
	Validate(ctx context.Context) error
}

func runHook(ctx context.Context, entity interface{}, call func(context.Context, interface{}) (bool, error)) error {
	ok, err := call(ctx, entity)
	if !ok || err == nil {
		return nil
	}
	if _, isUpa := AsError(err); isUpa {
		return err
	}
	return NewErrorWithCause(ErrorTypeInvalidArgument, "entity hook rejected the operation", err)
}

func beforeCreate(ctx context.Context, e interface{}) (bool, error) {
	if v, ok := e.(ValidationHook); ok {
		if err := v.Validate(ctx); err != nil {
			return true, err
		}
	}
	h, ok := e.(BeforeCreateHook)
	if !ok {
		return false, nil
	}
	return true, h.BeforeCreate(ctx)
}

func afterCreate(ctx context.Context, e interface{}) (bool, error) {
	h, ok := e.(AfterCreateHook)
	if !ok {
		return false, nil
	}
	return true, h.AfterCreate(ctx)
}

func beforeUpdate(ctx context.Context, e interface{}) (bool, error) {
	if v, ok := e.(ValidationHook); ok {
		if err := v.Validate(ctx); err != nil {
			return true, err
		}
	}
	h, ok := e.(BeforeUpdateHook)
	if !ok {
		return false, nil
	}
	return true, h.BeforeUpdate(ctx)
}

func afterUpdate(ctx context.Context, e interface{}) (bool, error) {
	h, ok := e.(AfterUpdateHook)
	if !ok {
		return false, nil
	}
	return true, h.AfterUpdate(ctx)
}

func beforeDelete(ctx context.Context, e interface{}) (bool, error) {
	h, ok := e.(BeforeDeleteHook)
	if !ok {
		return false, nil
	}
	return true, h.BeforeDelete(ctx)
}

func afterDelete(ctx context.Context, e interface{}) (bool, error) {
	h, ok := e.(AfterDeleteHook)
	if !ok {
		return false, nil
	}
	return true, h.AfterDelete(ctx)
}

func afterFind(ctx context.Context, e interface{}) (bool, error) {
	h, ok := e.(AfterFindHook)
	if !ok {
		return false, nil
	}
	return true, h.AfterFind(ctx)
}

// =====================================
// Repository Listeners
// =====================================

// EventType names a repository lifecycle event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
	EventLoaded  EventType = "loaded"
	EventFailed  EventType = "failed"
)

// Event is delivered to listeners after each repository operation.
type Event struct {
	Type      EventType
	Entity    string
	Operation string
	Backend   string
	ID        interface{}
	Count     int64
	Duration  time.Duration
	Err       error
}

// Listener observes repository events. OnEvent runs synchronously on the
// calling goroutine and must not block.
type Listener interface {
	OnEvent(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event)

func (f ListenerFunc) OnEvent(ctx context.Context, event Event) { f(ctx, event) }

// ErrorHandler sees every error before it is returned and may replace it.
type ErrorHandler func(ctx context.Context, err Error) error

// AuditListener logs every event at info level, failures at warn.
func AuditListener(logger *logrus.Entry) Listener {
	if logger == nil {
		logger = defaultLogger()
	}
	return ListenerFunc(func(ctx context.Context, event Event) {
		entry := logger.WithFields(logrus.Fields{
			"event":     event.Type,
			"entity":    event.Entity,
			"operation": event.Operation,
			"backend":   event.Backend,
			"duration":  event.Duration,
		})
		if event.ID != nil {
			entry = entry.WithField("id", event.ID)
		}
		if event.Err != nil {
			entry.WithError(event.Err).Warn("repository operation failed")
			return
		}
		entry.WithField("count", event.Count).Info("repository operation")
	})
}
