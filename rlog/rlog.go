// Package rlog provides the structured logging interface used throughout
// the registry and dispatcher. It wraps zerolog with a leveled, key-value
// API and keeps internal field names namespaced so application fields never
// collide with them.
package rlog

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InternalKeyPrefix marks log field keys reserved for internal use. Fields
// supplied by callers that start with this prefix are renamed to avoid
// colliding with internal bookkeeping fields (e.g. queue depth counters).
const InternalKeyPrefix = "broker_"

// Manager owns the root zerolog.Logger and builds Ctx values from it.
type Manager struct {
	logger zerolog.Logger
}

// NewManager creates a Manager that writes through logger, using its
// output and level settings as given.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Nop returns a Manager that discards everything, for use as a default
// collaborator in components that don't otherwise need logging configured.
func Nop() *Manager {
	return &Manager{logger: zerolog.Nop()}
}

// Ctx holds logging context accumulated via With, for use with the leveled
// logging methods.
type Ctx struct {
	ctx zerolog.Context
}

func (m *Manager) Debug(msg string, keysAndValues ...interface{}) {
	doLog(m.logger.Debug(), msg, keysAndValues...)
}

func (m *Manager) Info(msg string, keysAndValues ...interface{}) {
	doLog(m.logger.Info(), msg, keysAndValues...)
}

func (m *Manager) Warn(msg string, keysAndValues ...interface{}) {
	doLog(m.logger.Warn(), msg, keysAndValues...)
}

func (m *Manager) Error(msg string, keysAndValues ...interface{}) {
	doLog(m.logger.Error(), msg, keysAndValues...)
}

// With starts a logging context carrying the given key-value pairs.
func (m *Manager) With(keysAndValues ...interface{}) Ctx {
	ctx := m.logger.With()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, _ := keysAndValues[i].(string)
		ctx = addContext(ctx, key, keysAndValues[i+1])
	}
	return Ctx{ctx: ctx}
}

func (c Ctx) Debug(msg string, keysAndValues ...interface{}) {
	l := c.ctx.Logger()
	doLog(l.Debug(), msg, keysAndValues...)
}

func (c Ctx) Info(msg string, keysAndValues ...interface{}) {
	l := c.ctx.Logger()
	doLog(l.Info(), msg, keysAndValues...)
}

func (c Ctx) Warn(msg string, keysAndValues ...interface{}) {
	l := c.ctx.Logger()
	doLog(l.Warn(), msg, keysAndValues...)
}

func (c Ctx) Error(msg string, keysAndValues ...interface{}) {
	l := c.ctx.Logger()
	doLog(l.Error(), msg, keysAndValues...)
}

// With extends ctx with additional key-value pairs, without mutating ctx.
func (c Ctx) With(keysAndValues ...interface{}) Ctx {
	next := c.ctx
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, _ := keysAndValues[i].(string)
		next = addContext(next, key, keysAndValues[i+1])
	}
	return Ctx{ctx: next}
}

func doLog(ev *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, _ := keysAndValues[i].(string)
		addEventEntry(ev, key, keysAndValues[i+1])
	}
	ev.Msg(msg)
}

func addEventEntry(ev *zerolog.Event, key string, val interface{}) {
	key = sanitize(key)
	switch v := val.(type) {
	case error:
		ev.AnErr(key, v)
	case string:
		ev.Str(key, v)
	case bool:
		ev.Bool(key, v)
	case time.Time:
		ev.Time(key, v)
	case time.Duration:
		ev.Dur(key, v)
	case uuid.UUID:
		ev.Str(key, v.String())
	case int:
		ev.Int(key, v)
	case int64:
		ev.Int64(key, v)
	case uint64:
		ev.Uint64(key, v)
	default:
		ev.Interface(key, v)
	}
}

func addContext(ctx zerolog.Context, key string, val interface{}) zerolog.Context {
	key = sanitize(key)
	switch v := val.(type) {
	case error:
		return ctx.AnErr(key, v)
	case string:
		return ctx.Str(key, v)
	case bool:
		return ctx.Bool(key, v)
	case time.Time:
		return ctx.Time(key, v)
	case time.Duration:
		return ctx.Dur(key, v)
	case uuid.UUID:
		return ctx.Str(key, v.String())
	case int:
		return ctx.Int(key, v)
	case int64:
		return ctx.Int64(key, v)
	case uint64:
		return ctx.Uint64(key, v)
	default:
		return ctx.Interface(key, v)
	}
}

func sanitize(key string) string {
	if strings.HasPrefix(key, InternalKeyPrefix) {
		return "x_" + key
	}
	return key
}
