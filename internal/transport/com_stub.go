//go:build !windows

package transport

import (
	"context"
	"log/slog"

	"github.com/cimgate/cimgate/internal/conncache"
	"github.com/cimgate/cimgate/internal/failure"
)

// The DCOM-based transports need the WbemScripting COM objects, which only
// exist on Windows clients. Elsewhere they fail transient, which lets the
// selector fall through to the WS-Man transports instead of aborting the
// host.

type comUnavailable struct {
	protocol conncache.Protocol
}

// NewCimDCOM creates the CIM-over-DCOM adapter. On non-Windows builds every
// call reports a transient, protocol-scoped failure.
func NewCimDCOM(_ *slog.Logger) Adapter {
	return &comUnavailable{protocol: conncache.ProtocolCimDCOM}
}

// NewWmi creates the legacy WMI automation adapter. On non-Windows builds
// every call reports a transient, protocol-scoped failure.
func NewWmi(_ *slog.Logger) Adapter {
	return &comUnavailable{protocol: conncache.ProtocolWmi}
}

func (a *comUnavailable) Protocol() conncache.Protocol {
	return a.protocol
}

func (a *comUnavailable) FetchClass(_ context.Context, host string, _ *conncache.Credential, _, _ string) (RowSet, error) {
	return nil, a.unavailable(host)
}

func (a *comUnavailable) RunQuery(_ context.Context, host string, _ *conncache.Credential, _ string, _ Dialect, _ string) (RowSet, error) {
	return nil, a.unavailable(host)
}

func (a *comUnavailable) unavailable(host string) error {
	return failure.Newf(failure.CategoryTransient,
		"%s to %s requires a windows client host", a.protocol, host)
}
