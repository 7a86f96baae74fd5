package negotiate

import (
	"fmt"
	"strings"

	"github.com/cimgate/cimgate/internal/conncache"
)

// NextProtocol picks the next transport to attempt: the first protocol in
// the fixed trial order that is administratively enabled, not excluded by
// the caller, not already tried this call, and not marked last-failed.
// Force bypasses the health gate only; enabled and excluded always hold.
func NextProtocol(rec *conncache.Record, callerExcluded, tried map[conncache.Protocol]bool, force bool) (conncache.Protocol, bool) {
	for _, p := range conncache.TrialOrder() {
		if !rec.Enabled(p) || callerExcluded[p] || tried[p] {
			continue
		}
		if rec.HealthOf(p) == conncache.HealthLastFailed && !force {
			continue
		}
		return p, true
	}
	return "", false
}

// ExhaustionError reports that no protocol qualified for a host, bucketed so
// an operator can tell "nothing was enabled" apart from "everything enabled
// failed" apart from "the caller excluded the survivors".
type ExhaustionError struct {
	Host           string
	Enabled        []conncache.Protocol
	CallerExcluded []conncache.Protocol
	Failed         []conncache.Protocol
}

func (e *ExhaustionError) Error() string {
	if len(e.Enabled) == 0 {
		return fmt.Sprintf("no management protocol is enabled for host %s", e.Host)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "no viable management protocol for host %s: enabled [%s]", e.Host, joinProtocols(e.Enabled))
	if len(e.CallerExcluded) > 0 {
		fmt.Fprintf(&b, ", excluded by caller [%s]", joinProtocols(e.CallerExcluded))
	}
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, ", failed [%s]", joinProtocols(e.Failed))
	}
	return b.String()
}

// newExhaustionError buckets every protocol in trial order by why it was
// skipped for this host.
func newExhaustionError(rec *conncache.Record, callerExcluded, tried map[conncache.Protocol]bool) *ExhaustionError {
	e := &ExhaustionError{Host: rec.ComputerName}
	for _, p := range conncache.TrialOrder() {
		if !rec.Enabled(p) {
			continue
		}
		e.Enabled = append(e.Enabled, p)
		switch {
		case callerExcluded[p]:
			e.CallerExcluded = append(e.CallerExcluded, p)
		case tried[p] || rec.HealthOf(p) == conncache.HealthLastFailed:
			e.Failed = append(e.Failed, p)
		}
	}
	return e
}

func joinProtocols(ps []conncache.Protocol) string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return strings.Join(names, " ")
}
