// Package connector provides the uniform runtime for executing source
// connectors.
//
// Two interchangeable backends exist: in-process sources registered in a
// Registry at program start, and out-of-process sources wrapped by Subprocess,
// which speak the line-delimited JSON protocol over stdio. Both satisfy the
// Source interface; the Executor fronts either one and adds buffered and
// streaming read variants, record throttling, and uniform result reporting.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/windrose-io/windrose/internal/protocol"
)

// Sentinel errors for connector resolution.
var (
	// ErrUnknownConnector is returned when no source is registered under the
	// requested name.
	ErrUnknownConnector = errors.New("unknown connector")

	// ErrConnectorAlreadyRegistered is returned when two sources claim the
	// same name.
	ErrConnectorAlreadyRegistered = errors.New("connector already registered")

	// ErrNilSource is returned when registering a nil source.
	ErrNilSource = errors.New("source cannot be nil")
)

// EmitFunc receives one protocol message at a time during a read. Returning a
// non-nil error aborts the read; the source must observe it at its next
// emission and unwind without leaking resources. Emission order is the order
// the connector produced, which downstream writers rely on.
type EmitFunc func(protocol.Message) error

// Source is the contract every connector backend satisfies: the four protocol
// operations keyed by a connector identifier.
//
// Config is the free-form connector configuration. Read streams messages
// through emit rather than returning a slice so that arbitrarily large
// streams never need to be buffered by the backend.
type Source interface {
	// Spec returns the connector's configuration schema and capabilities.
	Spec(ctx context.Context) (*protocol.Spec, error)

	// Check verifies the configuration can reach the source. A FAILED status
	// is a valid reply, not an error; errors mean the check itself could not
	// run.
	Check(ctx context.Context, config map[string]interface{}) (*protocol.ConnectionStatus, error)

	// Discover enumerates the streams the configured source exposes.
	Discover(ctx context.Context, config map[string]interface{}) (*protocol.Catalog, error)

	// Read streams records for the selected streams, starting from the prior
	// state when one is given. The last STATE message emitted before return
	// is authoritative for the run.
	Read(
		ctx context.Context,
		config map[string]interface{},
		catalog *protocol.ConfiguredCatalog,
		state json.RawMessage,
		emit EmitFunc,
	) error
}

// Registry maps connector names to in-process sources. It is populated once
// at program start; lookups at sync time are read-locked.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
	}
}

// Register adds an in-process source under a unique name.
func (r *Registry) Register(name string, source Source) error {
	if source == nil {
		return ErrNilSource
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return ErrConnectorAlreadyRegistered
	}

	r.sources[name] = source

	return nil
}

// Lookup returns the source registered under name.
func (r *Registry) Lookup(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	source, ok := r.sources[name]

	return source, ok
}

// Names returns the registered connector names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
