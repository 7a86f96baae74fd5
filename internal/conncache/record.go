// Package conncache holds the per-host connection knowledge the negotiator
// accumulates: which management protocols are enabled and healthy, and which
// credentials are known to work or fail. Records live in a process-wide
// cache keyed by normalized hostname.
package conncache

import (
	"errors"
	"sort"
	"strings"

	"github.com/cimgate/cimgate/internal/failure"
)

// Protocol identifies one of the remote-management transports.
type Protocol string

const (
	// ProtocolCimRM is CIM over WS-Man (WinRM). First choice.
	ProtocolCimRM Protocol = "cim-winrm"
	// ProtocolCimDCOM is CIM over DCOM.
	ProtocolCimDCOM Protocol = "cim-dcom"
	// ProtocolWmi is the legacy WMI COM automation path.
	ProtocolWmi Protocol = "wmi"
	// ProtocolPSRemoting runs management queries through a full remote
	// shell. Heaviest transport, most likely to tunnel through restrictive
	// networks, so it goes last.
	ProtocolPSRemoting Protocol = "powershell-remoting"
)

// trialOrder is the fixed protocol preference. It encodes a latency and
// reliability ranking and is not reconfigurable at runtime.
var trialOrder = []Protocol{ProtocolCimRM, ProtocolCimDCOM, ProtocolWmi, ProtocolPSRemoting}

// TrialOrder returns the fixed protocol preference order.
func TrialOrder() []Protocol {
	out := make([]Protocol, len(trialOrder))
	copy(out, trialOrder)
	return out
}

// ParseProtocol resolves a protocol name from configuration.
func ParseProtocol(name string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(name))) {
	case ProtocolCimRM:
		return ProtocolCimRM, nil
	case ProtocolCimDCOM:
		return ProtocolCimDCOM, nil
	case ProtocolWmi:
		return ProtocolWmi, nil
	case ProtocolPSRemoting:
		return ProtocolPSRemoting, nil
	default:
		return "", errors.New("unknown protocol: " + name)
	}
}

// Health is the tri-state outcome memory kept per protocol.
type Health int

const (
	// HealthUntested means no attempt has been made yet this process.
	HealthUntested Health = iota
	// HealthLastSucceeded means the most recent attempt worked.
	HealthLastSucceeded
	// HealthLastFailed means the most recent attempt failed; the protocol
	// is skipped on later calls unless the caller forces a retry.
	HealthLastFailed
)

func (h Health) String() string {
	switch h {
	case HealthLastSucceeded:
		return "last-succeeded"
	case HealthLastFailed:
		return "last-failed"
	default:
		return "untested"
	}
}

// Record aggregates everything known about one host. Records are copied out
// of the cache, mutated locally during a negotiation, and written back at
// state transitions, so no lock is held across network calls.
type Record struct {
	// ComputerName is the normalized target identity.
	ComputerName string

	// EnabledProtocols is administrative configuration. Runtime outcomes
	// never mutate it; only ProtocolHealth changes operationally.
	EnabledProtocols map[Protocol]bool

	// ProtocolHealth tracks the last observed outcome per protocol.
	ProtocolHealth map[Protocol]Health

	// GoodCredentials maps identity to the credential confirmed to
	// authenticate, so an override can substitute it. The implicit
	// identity maps to nil.
	GoodCredentials map[string]*Credential

	// BadCredentials holds identities confirmed to fail authentication.
	// Disjoint from GoodCredentials.
	BadCredentials map[string]struct{}

	// PreferGoodCredential substitutes a known-good credential for
	// whatever the caller supplied.
	PreferGoodCredential bool

	// PreferImplicitCredential forces the ambient Windows identity even
	// when the caller supplied an explicit credential.
	PreferImplicitCredential bool
}

// NewRecord creates a record for a host with the given protocols enabled,
// all health untested and empty credential sets.
func NewRecord(computerName string, enabled []Protocol) *Record {
	r := &Record{
		ComputerName:     NormalizeHostname(computerName),
		EnabledProtocols: make(map[Protocol]bool, len(enabled)),
		ProtocolHealth:   make(map[Protocol]Health, len(trialOrder)),
		GoodCredentials:  make(map[string]*Credential),
		BadCredentials:   make(map[string]struct{}),
	}
	for _, p := range enabled {
		r.EnabledProtocols[p] = true
	}
	return r
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := &Record{
		ComputerName:             r.ComputerName,
		EnabledProtocols:         make(map[Protocol]bool, len(r.EnabledProtocols)),
		ProtocolHealth:           make(map[Protocol]Health, len(r.ProtocolHealth)),
		GoodCredentials:          make(map[string]*Credential, len(r.GoodCredentials)),
		BadCredentials:           make(map[string]struct{}, len(r.BadCredentials)),
		PreferGoodCredential:     r.PreferGoodCredential,
		PreferImplicitCredential: r.PreferImplicitCredential,
	}
	for p, v := range r.EnabledProtocols {
		cp.EnabledProtocols[p] = v
	}
	for p, h := range r.ProtocolHealth {
		cp.ProtocolHealth[p] = h
	}
	for id, c := range r.GoodCredentials {
		cp.GoodCredentials[id] = c.clone()
	}
	for id := range r.BadCredentials {
		cp.BadCredentials[id] = struct{}{}
	}
	return cp
}

// HealthOf returns the recorded health for a protocol.
func (r *Record) HealthOf(p Protocol) Health {
	return r.ProtocolHealth[p]
}

// SetHealth records the outcome of an attempt on a protocol.
func (r *Record) SetHealth(p Protocol, h Health) {
	r.ProtocolHealth[p] = h
}

// Enabled reports whether a protocol is administratively enabled.
func (r *Record) Enabled(p Protocol) bool {
	return r.EnabledProtocols[p]
}

// ResolveCredential applies the ledger to the caller-supplied credential. A
// credential already known to fail on this host short-circuits with a
// classified bad-credential error so no doomed handshake is repeated. When
// an override flag is set and a suitable known-good entry exists it is
// substituted transparently. Otherwise the supplied (possibly untested)
// credential passes through unchanged.
func (r *Record) ResolveCredential(supplied *Credential) (*Credential, error) {
	if r.PreferImplicitCredential {
		if _, bad := r.BadCredentials[ImplicitIdentity]; !bad {
			return nil, nil
		}
	}

	if r.PreferGoodCredential && len(r.GoodCredentials) > 0 {
		if _, ok := r.GoodCredentials[supplied.Identity()]; !ok {
			// Deterministic pick when several credentials are known good.
			ids := make([]string, 0, len(r.GoodCredentials))
			for id := range r.GoodCredentials {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return r.GoodCredentials[ids[0]].clone(), nil
		}
	}

	id := supplied.Identity()
	if _, bad := r.BadCredentials[id]; bad {
		return nil, failure.Newf(failure.CategoryBadCredential,
			"credential %q is known to fail on %s", id, r.ComputerName)
	}
	return supplied, nil
}

// RecordCredentialSuccess moves the credential into the good set, removing
// it from the bad set if present.
func (r *Record) RecordCredentialSuccess(c *Credential) {
	id := c.Identity()
	delete(r.BadCredentials, id)
	r.GoodCredentials[id] = c.clone()
}

// RecordCredentialFailure moves the credential into the bad set, removing it
// from the good set if present. Callers invoke this even when cross-call
// cache persistence is disabled; per-call credential safety is not optional.
func (r *Record) RecordCredentialFailure(c *Credential) {
	id := c.Identity()
	delete(r.GoodCredentials, id)
	r.BadCredentials[id] = struct{}{}
}

// NormalizeHostname lowercases the host, trims a trailing dot and strips a
// SQL-style "\instance" suffix so cache keys stay stable however the target
// was written.
func NormalizeHostname(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if i := strings.IndexByte(host, '\\'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
