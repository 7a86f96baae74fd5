package transport

import (
	"errors"
	"testing"

	"github.com/cimgate/cimgate/internal/failure"
)

func TestExtractHRESULT(t *testing.T) {
	testCases := []struct {
		name string
		text string
		want uint32
		ok   bool
	}{
		{"Plain code", "Get-CimInstance : error 0x8004100E occurred", 0x8004100E, true},
		{"Uppercase prefix", "failed with 0X80041010", 0x80041010, true},
		{"No code", "something unhelpful happened", 0, false},
		{"Success code ignored", "completed with 0x00000000", 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractHRESULT(tc.text)
			if ok != tc.ok || got != tc.want {
				t.Errorf("extractHRESULT(%q) = (%#x, %v), want (%#x, %v)", tc.text, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestClassifyProviderText(t *testing.T) {
	testCases := []struct {
		name string
		text string
		want failure.Category
	}{
		{"Invalid namespace code", "Get-CimInstance : Invalid namespace 0x8004100E", failure.CategoryInvalidTarget},
		{"Invalid class code", "error 0x80041010", failure.CategoryInvalidTarget},
		{"Instance not found", "exception 0x80041002", failure.CategoryInvalidTarget},
		{"Invalid query", "bad WQL 0x80041017", failure.CategoryInvalidTarget},
		{"Wrong dialect", "0x80041018 invalid query type", failure.CategoryInvalidTarget},
		{"Object access denied", "0x80041003", failure.CategoryPermissionDenied},
		{"Connect access denied", "0x80070005", failure.CategoryAuthentication},
		{"Logon failure code", "0x8007052E", failure.CategoryAuthentication},
		{"Not supported", "0x8004100C", failure.CategoryUnsupported},
		{"Provider failure", "0x80041004", failure.CategoryTransient},
		{"RPC unavailable", "The RPC server is unavailable. 0x800706BA", failure.CategoryTransient},
		{"WSMan timeout", "0x80338104", failure.CategoryTimeout},
		{"Text invalid namespace", "Invalid namespace root\\nosuch", failure.CategoryInvalidTarget},
		{"Text invalid class", "Invalid class \"Win32_Nope\"", failure.CategoryInvalidTarget},
		{"Text logon failure", "Logon failure: unknown user name or bad password", failure.CategoryAuthentication},
		{"Text access denied", "Access is denied.", failure.CategoryPermissionDenied},
		{"Text not supported", "Operation not supported by the provider", failure.CategoryUnsupported},
		{"Unrecognized falls back transient", "the provider had a bad day", failure.CategoryTransient},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyProviderText(tc.text); got != tc.want {
				t.Errorf("classifyProviderText(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	authErr := errors.New("http response error: 401 - invalid content type")
	netErr := errors.New("dial tcp 10.0.0.5:5985: connect: connection refused")

	if got := classifyTransportError(authErr, true); got != failure.CategoryAuthentication {
		t.Errorf("auth-sensitive 401 = %v, want authentication", got)
	}
	// The remoting layer cannot tell bad credentials from an unreachable
	// host; it must never classify harder than transient.
	if got := classifyTransportError(authErr, false); got != failure.CategoryTransient {
		t.Errorf("auth-insensitive 401 = %v, want transient", got)
	}
	if got := classifyTransportError(netErr, true); got != failure.CategoryTransient {
		t.Errorf("network error = %v, want transient", got)
	}
}
