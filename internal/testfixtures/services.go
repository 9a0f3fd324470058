package testfixtures

import (
	"testing"
	"time"

	"github.com/example/recurring-scheduler/internal/persistence/sqlite"
	"github.com/example/recurring-scheduler/internal/schema"
)

// ServiceFactory bundles the deterministic dependencies services are built
// from in tests: a clock, an identifier generator, a registry and a store.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
	Registry    *schema.StaticRegistry
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("id"),
		Registry:    Registry(),
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.IDGenerator == nil {
		factory.IDGenerator = NewIDGenerator("id")
	}
	if factory.Registry == nil {
		factory.Registry = Registry()
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the factory.
func WithIDGenerator(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.IDGenerator = generator
	}
}

// WithEntityTypes replaces the registry contents.
func WithEntityTypes(types ...schema.EntityType) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Registry = schema.NewStaticRegistry(types...)
	}
}

// Now is the factory clock as an injectable function.
func (f *ServiceFactory) Now() func() time.Time {
	return f.Clock.NowFunc()
}

// IDs is the factory identifier generator as an injectable function.
func (f *ServiceFactory) IDs() func() string {
	return f.IDGenerator.NextFunc()
}

// NewStore returns a migrated temporary SQLite store closed with tb.
func (f *ServiceFactory) NewStore(tb testing.TB) *sqlite.Storage {
	tb.Helper()
	return NewSQLiteHarness(tb).Store
}
