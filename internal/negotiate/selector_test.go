package negotiate

import (
	"strings"
	"testing"

	"github.com/cimgate/cimgate/internal/conncache"
)

func TestNextProtocolFixedOrder(t *testing.T) {
	rec := conncache.NewRecord("sql01", conncache.TrialOrder())
	tried := make(map[conncache.Protocol]bool)

	want := []conncache.Protocol{
		conncache.ProtocolCimRM,
		conncache.ProtocolCimDCOM,
		conncache.ProtocolWmi,
		conncache.ProtocolPSRemoting,
	}
	for _, expected := range want {
		got, ok := NextProtocol(rec, nil, tried, false)
		if !ok {
			t.Fatalf("expected %s, got exhaustion", expected)
		}
		if got != expected {
			t.Fatalf("got %s, want %s", got, expected)
		}
		tried[got] = true
	}
	if _, ok := NextProtocol(rec, nil, tried, false); ok {
		t.Error("all protocols tried, expected exhaustion")
	}
}

func TestNextProtocolSkipsFailedHealth(t *testing.T) {
	rec := conncache.NewRecord("sql01", conncache.TrialOrder())
	rec.SetHealth(conncache.ProtocolCimRM, conncache.HealthLastFailed)

	got, ok := NextProtocol(rec, nil, map[conncache.Protocol]bool{}, false)
	if !ok || got != conncache.ProtocolCimDCOM {
		t.Errorf("got (%s, %v), want cim-dcom", got, ok)
	}
}

func TestNextProtocolForceBypassesHealthOnly(t *testing.T) {
	rec := conncache.NewRecord("sql01", conncache.TrialOrder())
	rec.SetHealth(conncache.ProtocolCimRM, conncache.HealthLastFailed)

	got, ok := NextProtocol(rec, nil, map[conncache.Protocol]bool{}, true)
	if !ok || got != conncache.ProtocolCimRM {
		t.Errorf("force should retry a failed protocol, got (%s, %v)", got, ok)
	}

	// Force never bypasses the caller's exclusion list.
	excluded := map[conncache.Protocol]bool{conncache.ProtocolCimRM: true}
	got, ok = NextProtocol(rec, excluded, map[conncache.Protocol]bool{}, true)
	if !ok || got == conncache.ProtocolCimRM {
		t.Errorf("force must not bypass exclusions, got (%s, %v)", got, ok)
	}

	// Nor the enabled set.
	disabled := conncache.NewRecord("sql01", []conncache.Protocol{conncache.ProtocolWmi})
	got, ok = NextProtocol(disabled, nil, map[conncache.Protocol]bool{}, true)
	if !ok || got != conncache.ProtocolWmi {
		t.Errorf("force must not enable disabled protocols, got (%s, %v)", got, ok)
	}
}

func TestExhaustionErrorBuckets(t *testing.T) {
	rec := conncache.NewRecord("sql01", []conncache.Protocol{
		conncache.ProtocolCimRM,
		conncache.ProtocolCimDCOM,
		conncache.ProtocolWmi,
	})
	rec.SetHealth(conncache.ProtocolCimDCOM, conncache.HealthLastFailed)
	excluded := map[conncache.Protocol]bool{conncache.ProtocolCimRM: true}
	tried := map[conncache.Protocol]bool{conncache.ProtocolWmi: true}

	err := newExhaustionError(rec, excluded, tried)
	if len(err.Enabled) != 3 {
		t.Errorf("Enabled = %v, want 3 entries", err.Enabled)
	}
	if len(err.CallerExcluded) != 1 || err.CallerExcluded[0] != conncache.ProtocolCimRM {
		t.Errorf("CallerExcluded = %v", err.CallerExcluded)
	}
	if len(err.Failed) != 2 {
		t.Errorf("Failed = %v, want cim-dcom and wmi", err.Failed)
	}

	msg := err.Error()
	for _, fragment := range []string{"sql01", "enabled", "excluded by caller", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Errorf("message %q missing %q", msg, fragment)
		}
	}
}

func TestExhaustionErrorNothingEnabled(t *testing.T) {
	rec := conncache.NewRecord("sql01", nil)
	err := newExhaustionError(rec, nil, nil)
	if !strings.Contains(err.Error(), "no management protocol is enabled") {
		t.Errorf("message %q should name the nothing-enabled case", err.Error())
	}
}
