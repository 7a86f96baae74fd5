// Package transport implements the four remote-management transports and
// their error classification. Adapters are stateless: every attempt builds
// its own channel, and all per-host memory lives in the connection record
// owned by the negotiator.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cimgate/cimgate/internal/conncache"
)

// Dialect names the query language of a RunQuery request.
type Dialect string

// DialectWQL is the WMI Query Language, the only dialect every transport
// understands.
const DialectWQL Dialect = "WQL"

// DefaultNamespace is the CIM namespace used when the caller supplies none.
const DefaultNamespace = `root\cimv2`

// Row is one instance returned by a class fetch or query, property name to
// value.
type Row map[string]any

// RowSet is the result of a successful transport operation.
type RowSet []Row

// Adapter is the shared contract of all four transports. Errors returned
// from FetchClass and RunQuery are classified (internal/failure) except for
// context cancellation, which passes through untouched so the negotiator can
// tell an abandoned attempt from a failed one.
type Adapter interface {
	// Protocol identifies the transport in records and logs.
	Protocol() conncache.Protocol

	// FetchClass enumerates all instances of a class in a namespace.
	FetchClass(ctx context.Context, host string, cred *conncache.Credential, className, namespace string) (RowSet, error)

	// RunQuery executes a query in the given dialect against a namespace.
	RunQuery(ctx context.Context, host string, cred *conncache.Credential, query string, dialect Dialect, namespace string) (RowSet, error)
}

// WinRMOptions configures the WS-Man based transports.
type WinRMOptions struct {
	Port               int
	HTTPSPort          int
	UseHTTPS           bool
	InsecureSkipVerify bool
	Timeout            time.Duration
	// DialRetries bounds the backoff retries around the initial HTTP
	// exchange before a connection-level error is classified.
	DialRetries uint64
}

func (o WinRMOptions) withDefaults() WinRMOptions {
	if o.Port <= 0 {
		o.Port = 5985
	}
	if o.HTTPSPort <= 0 {
		o.HTTPSPort = 5986
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.DialRetries == 0 {
		o.DialRetries = 2
	}
	return o
}

// Registry maps protocols to adapters. The negotiator resolves the selected
// protocol through it, and tests swap in fakes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[conncache.Protocol]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[conncache.Protocol]Adapter)}
}

// DefaultRegistry registers the four production adapters.
func DefaultRegistry(opts WinRMOptions, logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewCimRM(opts, logger))
	r.Register(NewCimDCOM(logger))
	r.Register(NewWmi(logger))
	r.Register(NewPSRemoting(opts, logger))
	return r
}

// Register adds or replaces the adapter for its protocol.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Protocol()] = a
}

// Get returns the adapter for a protocol.
func (r *Registry) Get(p conncache.Protocol) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for protocol %s", p)
	}
	return a, nil
}

// Protocols lists the registered protocols in trial order.
func (r *Registry) Protocols() []conncache.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]conncache.Protocol, 0, len(r.adapters))
	for _, p := range conncache.TrialOrder() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
