package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestCategoryScopes(t *testing.T) {
	testCases := []struct {
		name             string
		category         Category
		retryable        bool
		credentialScoped bool
		requestScoped    bool
	}{
		{"Authentication", CategoryAuthentication, false, true, false},
		{"PermissionDenied", CategoryPermissionDenied, false, false, true},
		{"InvalidTarget", CategoryInvalidTarget, false, false, true},
		{"Unsupported", CategoryUnsupported, false, false, true},
		{"Transient", CategoryTransient, true, false, false},
		{"Timeout", CategoryTimeout, true, false, false},
		{"BadCredential", CategoryBadCredential, false, true, false},
		{"Unknown", CategoryUnknown, true, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.category.Retryable(); got != tc.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tc.retryable)
			}
			if got := tc.category.CredentialScoped(); got != tc.credentialScoped {
				t.Errorf("CredentialScoped() = %v, want %v", got, tc.credentialScoped)
			}
			if got := tc.category.RequestScoped(); got != tc.requestScoped {
				t.Errorf("RequestScoped() = %v, want %v", got, tc.requestScoped)
			}
		})
	}
}

func TestCategoryOf(t *testing.T) {
	native := errors.New("provider blew up")
	classified := New(CategoryTransient, native)

	if got := CategoryOf(classified); got != CategoryTransient {
		t.Errorf("CategoryOf(classified) = %v, want %v", got, CategoryTransient)
	}

	wrapped := fmt.Errorf("attempt failed: %w", classified)
	if got := CategoryOf(wrapped); got != CategoryTransient {
		t.Errorf("CategoryOf(wrapped) = %v, want %v", got, CategoryTransient)
	}

	if got := CategoryOf(native); got != CategoryUnknown {
		t.Errorf("CategoryOf(unclassified) = %v, want %v", got, CategoryUnknown)
	}
}

func TestUnwrapPreservesDiagnostic(t *testing.T) {
	native := errors.New("0x80041010 invalid class")
	classified := New(CategoryInvalidTarget, native)

	if !errors.Is(classified, native) {
		t.Error("classified error should unwrap to the native diagnostic")
	}
	if classified.Error() == "" {
		t.Error("classified error message should not be empty")
	}
}
