package transport

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cimgate/cimgate/internal/failure"
)

// The native error shapes differ wildly per transport, but the categories
// must not, so the mappings live here as data rather than branching logic.

// hresultCategories maps WMI/WSMan/Win32 status codes to categories. The
// same table serves the COM adapters (which surface HRESULTs directly) and
// the WS-Man adapters (which surface them inside provider stderr text).
var hresultCategories = map[uint32]failure.Category{
	// Connect-phase security errors: the credential itself was rejected.
	0x80070005: failure.CategoryAuthentication, // E_ACCESSDENIED
	0x8007052E: failure.CategoryAuthentication, // ERROR_LOGON_FAILURE
	0x8007052F: failure.CategoryAuthentication, // ERROR_ACCOUNT_RESTRICTION
	0x80070569: failure.CategoryAuthentication, // ERROR_LOGON_TYPE_NOT_GRANTED
	0x8033809D: failure.CategoryAuthentication, // WSMan access denied

	// Authenticated but refused on the object.
	0x80041003: failure.CategoryPermissionDenied, // WBEM_E_ACCESS_DENIED
	0x80041062: failure.CategoryPermissionDenied, // WBEM_E_PRIVILEGE_NOT_HELD

	// Properties of the request: namespace, class, instance, query.
	0x80041002: failure.CategoryInvalidTarget, // WBEM_E_NOT_FOUND
	0x80041008: failure.CategoryInvalidTarget, // WBEM_E_INVALID_PARAMETER
	0x8004100E: failure.CategoryInvalidTarget, // WBEM_E_INVALID_NAMESPACE
	0x80041010: failure.CategoryInvalidTarget, // WBEM_E_INVALID_CLASS
	0x80041017: failure.CategoryInvalidTarget, // WBEM_E_INVALID_QUERY
	0x80041018: failure.CategoryInvalidTarget, // WBEM_E_INVALID_QUERY_TYPE

	0x8004100C: failure.CategoryUnsupported, // WBEM_E_NOT_SUPPORTED
	0x80041024: failure.CategoryUnsupported, // WBEM_E_PROVIDER_NOT_CAPABLE

	// Runtime and provider trouble: worth one more protocol.
	0x80041001: failure.CategoryTransient, // WBEM_E_FAILED
	0x80041004: failure.CategoryTransient, // WBEM_E_PROVIDER_FAILURE
	0x80041006: failure.CategoryTransient, // WBEM_E_OUT_OF_MEMORY
	0x80041013: failure.CategoryTransient, // WBEM_E_PROVIDER_LOAD_FAILURE
	0x80041014: failure.CategoryTransient, // WBEM_E_INITIALIZATION_FAILURE
	0x80041033: failure.CategoryTransient, // WBEM_E_SHUTTING_DOWN
	0x800706BA: failure.CategoryTransient, // RPC_S_SERVER_UNAVAILABLE
	0x80070035: failure.CategoryTransient, // ERROR_BAD_NETPATH
	0x80338012: failure.CategoryTransient, // WSMan client cannot connect

	0x800705B4: failure.CategoryTimeout, // ERROR_TIMEOUT
	0x80338104: failure.CategoryTimeout, // WSMan operation timed out
	0x80338126: failure.CategoryTimeout, // WSMan connection timed out
}

// textCategories covers diagnostics that carry no numeric code, matched in
// order against the lowercased error text. Credential phrasing comes before
// the generic access-denied entries.
var textCategories = []struct {
	substr   string
	category failure.Category
}{
	{"user name or password is incorrect", failure.CategoryAuthentication},
	{"logon failure", failure.CategoryAuthentication},
	{"unauthorized", failure.CategoryAuthentication},
	{"http error 401", failure.CategoryAuthentication},
	{"invalid namespace", failure.CategoryInvalidTarget},
	{"invalid class", failure.CategoryInvalidTarget},
	{"invalid query", failure.CategoryInvalidTarget},
	{"not found", failure.CategoryInvalidTarget},
	{"not supported", failure.CategoryUnsupported},
	{"access denied", failure.CategoryPermissionDenied},
	{"access is denied", failure.CategoryPermissionDenied},
	{"timed out", failure.CategoryTimeout},
}

var hresultPattern = regexp.MustCompile(`0[xX]8[0-9A-Fa-f]{7}`)

// extractHRESULT finds the first 0x8xxxxxxx status code in an error text.
func extractHRESULT(text string) (uint32, bool) {
	match := hresultPattern.FindString(text)
	if match == "" {
		return 0, false
	}
	code, err := strconv.ParseUint(match[2:], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(code), true
}

// categoryForHRESULT looks up a status code in the shared table.
func categoryForHRESULT(code uint32) (failure.Category, bool) {
	cat, ok := hresultCategories[code]
	return cat, ok
}

// classifyProviderText maps a native diagnostic string to a category, first
// by embedded HRESULT, then by phrasing, finally falling back to transient:
// an unrecognized provider error should cost one protocol, not the host.
func classifyProviderText(text string) failure.Category {
	if code, ok := extractHRESULT(text); ok {
		if cat, ok := categoryForHRESULT(code); ok {
			return cat
		}
	}
	lower := strings.ToLower(text)
	for _, entry := range textCategories {
		if strings.Contains(lower, entry.substr) {
			return entry.category
		}
	}
	return failure.CategoryTransient
}

// classifyTransportError maps a connection-level (pre-execution) error.
// authSensitive transports report HTTP-level rejections as authentication
// failures; the full-remoting transport passes false because it cannot tell
// a bad credential from an unreachable host and must stay conservative.
func classifyTransportError(err error, authSensitive bool) failure.Category {
	lower := strings.ToLower(err.Error())
	if authSensitive {
		for _, marker := range []string{"http error 401", "unauthorized", "invalid content type"} {
			if strings.Contains(lower, marker) {
				return failure.CategoryAuthentication
			}
		}
	}
	return failure.CategoryTransient
}
