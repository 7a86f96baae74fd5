package conncache

import (
	"errors"
	"testing"

	"github.com/cimgate/cimgate/internal/failure"
)

func TestNormalizeHostname(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"Lowercase passthrough", "sql01", "sql01"},
		{"Uppercase", "SQL01", "sql01"},
		{"Trailing dot", "sql01.corp.local.", "sql01.corp.local"},
		{"Instance suffix", `SQL01\PROD`, "sql01"},
		{"Whitespace", "  sql01 ", "sql01"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeHostname(tc.in); got != tc.want {
				t.Errorf("NormalizeHostname(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCredentialIdentity(t *testing.T) {
	testCases := []struct {
		name string
		cred *Credential
		want string
	}{
		{"Implicit", nil, ImplicitIdentity},
		{"Plain user", &Credential{Username: "Admin", Password: "x"}, "admin"},
		{"Domain user", &Credential{Username: "Admin", Password: "x", Domain: "CORP"}, `corp\admin`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cred.Identity(); got != tc.want {
				t.Errorf("Identity() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCredentialValidate(t *testing.T) {
	if err := (*Credential)(nil).Validate(); err != nil {
		t.Errorf("nil credential should be valid (implicit identity), got %v", err)
	}
	if err := (&Credential{Username: "admin", Password: "secret"}).Validate(); err != nil {
		t.Errorf("complete credential should be valid, got %v", err)
	}
	if err := (&Credential{Username: "admin"}).Validate(); err == nil {
		t.Error("credential without password should fail validation")
	}
	if err := (&Credential{Password: "secret"}).Validate(); err == nil {
		t.Error("credential without username should fail validation")
	}
}

func TestLedgerDisjointness(t *testing.T) {
	rec := NewRecord("sql01", TrialOrder())
	cred := &Credential{Username: "admin", Password: "secret", Domain: "corp"}

	rec.RecordCredentialFailure(cred)
	if _, bad := rec.BadCredentials[cred.Identity()]; !bad {
		t.Fatal("credential should be in the bad set after RecordCredentialFailure")
	}

	rec.RecordCredentialSuccess(cred)
	if _, bad := rec.BadCredentials[cred.Identity()]; bad {
		t.Error("credential should leave the bad set after RecordCredentialSuccess")
	}
	if _, good := rec.GoodCredentials[cred.Identity()]; !good {
		t.Error("credential should be in the good set after RecordCredentialSuccess")
	}

	rec.RecordCredentialFailure(cred)
	if _, good := rec.GoodCredentials[cred.Identity()]; good {
		t.Error("credential should leave the good set after RecordCredentialFailure")
	}
}

func TestResolveCredentialShortCircuit(t *testing.T) {
	rec := NewRecord("sql02", TrialOrder())
	cred := &Credential{Username: "bad", Password: "wrong", Domain: "domain"}
	rec.RecordCredentialFailure(cred)

	_, err := rec.ResolveCredential(cred)
	if err == nil {
		t.Fatal("known-bad credential should short-circuit")
	}
	if got := failure.CategoryOf(err); got != failure.CategoryBadCredential {
		t.Errorf("category = %v, want %v", got, failure.CategoryBadCredential)
	}

	var classified *failure.Classified
	if !errors.As(err, &classified) {
		t.Error("short-circuit error should be classified")
	}
}

func TestResolveCredentialPassthrough(t *testing.T) {
	rec := NewRecord("sql01", TrialOrder())
	cred := &Credential{Username: "untested", Password: "pw"}

	got, err := rec.ResolveCredential(cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != cred {
		t.Error("untested credential should pass through unchanged")
	}

	implicit, err := rec.ResolveCredential(nil)
	if err != nil {
		t.Fatalf("unexpected error resolving implicit: %v", err)
	}
	if implicit != nil {
		t.Error("implicit credential should resolve to nil")
	}
}

func TestResolveCredentialImplicitCanBeBad(t *testing.T) {
	rec := NewRecord("sql01", TrialOrder())
	rec.BadCredentials[ImplicitIdentity] = struct{}{}

	if _, err := rec.ResolveCredential(nil); err == nil {
		t.Error("known-bad implicit identity should short-circuit")
	}
}

func TestPreferGoodCredentialOverride(t *testing.T) {
	rec := NewRecord("sql01", TrialOrder())
	good := &Credential{Username: "svc", Password: "right", Domain: "corp"}
	rec.RecordCredentialSuccess(good)
	rec.PreferGoodCredential = true

	supplied := &Credential{Username: "other", Password: "maybe"}
	got, err := rec.ResolveCredential(supplied)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Identity() != good.Identity() {
		t.Errorf("override should substitute the known-good credential, got %v", got)
	}
	if got == good {
		t.Error("substituted credential should be a copy, not the stored pointer")
	}
}

func TestPreferImplicitCredentialOverride(t *testing.T) {
	rec := NewRecord("sql01", TrialOrder())
	rec.PreferImplicitCredential = true

	got, err := rec.ResolveCredential(&Credential{Username: "x", Password: "y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("override should force the implicit identity, got %v", got)
	}
}

func TestEnabledProtocolsNotMutatedByHealth(t *testing.T) {
	rec := NewRecord("sql01", []Protocol{ProtocolCimRM, ProtocolWmi})
	rec.SetHealth(ProtocolCimRM, HealthLastFailed)

	if !rec.Enabled(ProtocolCimRM) {
		t.Error("health changes must not mutate the enabled set")
	}
	if rec.Enabled(ProtocolPSRemoting) {
		t.Error("protocols outside the enabled list must stay disabled")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	rec := NewRecord("sql01", TrialOrder())
	rec.RecordCredentialSuccess(&Credential{Username: "svc", Password: "pw"})
	rec.SetHealth(ProtocolWmi, HealthLastSucceeded)

	cp := rec.Clone()
	cp.SetHealth(ProtocolWmi, HealthLastFailed)
	cp.RecordCredentialFailure(&Credential{Username: "svc", Password: "pw"})

	if rec.HealthOf(ProtocolWmi) != HealthLastSucceeded {
		t.Error("mutating the clone changed the original health")
	}
	if _, bad := rec.BadCredentials["svc"]; bad {
		t.Error("mutating the clone changed the original ledger")
	}
}
