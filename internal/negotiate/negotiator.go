// Package negotiate drives the retry loop that turns "reach this host" into
// a working management channel: pick a protocol, resolve the credential
// against the ledger, execute, then either return rows, switch protocols, or
// stop with a classified error.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cimgate/cimgate/internal/config"
	"github.com/cimgate/cimgate/internal/conncache"
	"github.com/cimgate/cimgate/internal/failure"
	"github.com/cimgate/cimgate/internal/transport"
)

// Request describes one negotiation call. Exactly one of Class or Query must
// be set; the payload is opaque to the negotiator and handed to whichever
// adapter wins.
type Request struct {
	Hosts      []string
	Credential *conncache.Credential

	Class     string
	Query     string
	Dialect   transport.Dialect
	Namespace string

	// Excluded is the caller's do-not-use list for this call.
	Excluded []conncache.Protocol

	// Force retries protocols marked last-failed. It never bypasses the
	// enabled or excluded gates.
	Force bool
}

func (r *Request) validate() error {
	if len(r.Hosts) == 0 {
		return errors.New("at least one host is required")
	}
	if (r.Class == "") == (r.Query == "") {
		return errors.New("exactly one of Class or Query must be set")
	}
	if err := r.Credential.Validate(); err != nil {
		return err
	}
	return nil
}

// HostResult is the per-host outcome: rows from the winning protocol, or a
// classified error.
type HostResult struct {
	Host     string
	Protocol conncache.Protocol
	Rows     transport.RowSet
	Attempts int
	Err      error
}

// Negotiator runs one state machine per host, bounded by a worker limit,
// synchronizing only on the shared connection cache.
type Negotiator struct {
	cache    *conncache.Cache
	registry *transport.Registry
	logger   *slog.Logger

	enabled        []conncache.Protocol
	workerLimit    int
	attemptTimeout time.Duration
}

// New creates a negotiator from the negotiation configuration.
func New(
	cache *conncache.Cache,
	registry *transport.Registry,
	cfg config.NegotiationConfig,
	logger *slog.Logger,
) (*Negotiator, error) {
	enabled, err := cfg.Protocols()
	if err != nil {
		return nil, fmt.Errorf("invalid negotiation config: %w", err)
	}
	limit := cfg.WorkerLimit
	if limit <= 0 {
		limit = 1
	}
	return &Negotiator{
		cache:          cache,
		registry:       registry,
		logger:         logger.With("component", "negotiator"),
		enabled:        enabled,
		workerLimit:    limit,
		attemptTimeout: cfg.GetAttemptTimeout(),
	}, nil
}

// Cache exposes the connection cache for operator tooling (clear, disable,
// record inspection). The negotiation path itself never needs it.
func (n *Negotiator) Cache() *conncache.Cache {
	return n.cache
}

// Negotiate runs the state machine for every host and streams one result
// per host as completed. Hosts are independent; a failure on one never
// touches another's record. The channel closes once all hosts finish.
func (n *Negotiator) Negotiate(ctx context.Context, req Request) (<-chan HostResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := n.logger.With(slog.String("negotiation_id", runID))
	logger.InfoContext(ctx, "Negotiation starting",
		slog.Int("hosts", len(req.Hosts)),
		slog.String("credential", req.Credential.Identity()),
		slog.Bool("force", req.Force),
	)

	results := make(chan HostResult, len(req.Hosts))
	sem := make(chan struct{}, n.workerLimit)

	go func() {
		var wg sync.WaitGroup
		for _, raw := range req.Hosts {
			wg.Add(1)
			go func(raw string) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results <- HostResult{Host: conncache.NormalizeHostname(raw), Err: ctx.Err()}
					return
				}
				hostLogger := logger.With(
					slog.String("host", conncache.NormalizeHostname(raw)),
					slog.String("attempt_id", uuid.NewString()),
				)
				results <- n.negotiateHost(ctx, hostLogger, raw, req)
			}(raw)
		}
		wg.Wait()
		close(results)
	}()

	return results, nil
}

// negotiateHost runs SelectProtocol -> Authenticate -> Execute to completion
// for one host.
func (n *Negotiator) negotiateHost(ctx context.Context, logger *slog.Logger, rawHost string, req Request) HostResult {
	host := conncache.NormalizeHostname(rawHost)
	rec := n.cache.FetchOrNew(host, n.enabled)
	callerExcluded := make(map[conncache.Protocol]bool, len(req.Excluded))
	for _, p := range req.Excluded {
		callerExcluded[p] = true
	}
	tried := make(map[conncache.Protocol]bool)
	res := HostResult{Host: host}

	for {
		proto, ok := NextProtocol(rec, callerExcluded, tried, req.Force)
		if !ok {
			res.Err = newExhaustionError(rec, callerExcluded, tried)
			logger.WarnContext(ctx, "Negotiation exhausted all protocols",
				slog.Int("attempts", res.Attempts),
				slog.String("error", res.Err.Error()),
			)
			return res
		}

		// A credential already known to fail on this host terminates the
		// whole call before any handshake is attempted.
		cred, err := rec.ResolveCredential(req.Credential)
		if err != nil {
			res.Err = err
			logger.WarnContext(ctx, "Credential rejected by ledger",
				slog.String("credential", req.Credential.Identity()),
			)
			return res
		}

		adapter, err := n.registry.Get(proto)
		if err != nil {
			// Nothing wired for this protocol; protocol-scoped, move on.
			tried[proto] = true
			logger.WarnContext(ctx, "No adapter for selected protocol",
				slog.String("protocol", string(proto)),
			)
			continue
		}

		res.Attempts++
		rows, err := n.execute(ctx, adapter, host, cred, req)
		if err == nil {
			rec.RecordCredentialSuccess(cred)
			rec.SetHealth(proto, conncache.HealthLastSucceeded)
			n.cache.Put(rec)
			res.Protocol = proto
			res.Rows = rows
			logger.InfoContext(ctx, "Negotiation succeeded",
				slog.String("protocol", string(proto)),
				slog.Int("attempts", res.Attempts),
				slog.Int("rows", len(rows)),
			)
			return res
		}

		// A cancelled attempt is neither success nor failure; nothing in
		// the record may change for it.
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			res.Err = err
			return res
		}

		category := failure.CategoryOf(err)
		switch {
		case category == failure.CategoryAuthentication:
			// Trying other protocols with the same known-bad credential is
			// pointless. The ledger update is not gated on cache writes;
			// only cross-call persistence is optional.
			rec.RecordCredentialFailure(cred)
			n.cache.Put(rec)
			res.Err = err
			logger.WarnContext(ctx, "Authentication failed, host attempt terminated",
				slog.String("protocol", string(proto)),
				slog.String("credential", cred.Identity()),
			)
			return res

		case category.RequestScoped():
			// Property of the request, not the transport. Switching
			// protocols cannot help, and no protocol health changes.
			res.Err = err
			logger.WarnContext(ctx, "Request rejected by target",
				slog.String("protocol", string(proto)),
				slog.String("category", category.String()),
			)
			return res

		default:
			rec.SetHealth(proto, conncache.HealthLastFailed)
			tried[proto] = true
			n.cache.Put(rec)
			logger.WarnContext(ctx, "Protocol attempt failed, switching",
				slog.String("protocol", string(proto)),
				slog.String("category", category.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// execute runs the payload through one adapter under the per-attempt
// deadline. Expiry of that deadline classifies as a timeout (protocol
// switchable); cancellation of the caller's context passes through raw.
func (n *Negotiator) execute(ctx context.Context, adapter transport.Adapter, host string, cred *conncache.Credential, req Request) (transport.RowSet, error) {
	attemptCtx := ctx
	if n.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, n.attemptTimeout)
		defer cancel()
	}

	var rows transport.RowSet
	var err error
	if req.Class != "" {
		rows, err = adapter.FetchClass(attemptCtx, host, cred, req.Class, req.Namespace)
	} else {
		rows, err = adapter.RunQuery(attemptCtx, host, cred, req.Query, req.Dialect, req.Namespace)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failure.New(failure.CategoryTimeout,
				fmt.Errorf("attempt on %s exceeded %s: %w", host, n.attemptTimeout, err))
		}
	}
	return rows, err
}
