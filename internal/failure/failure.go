// Package failure defines the shared error taxonomy that transport adapters
// classify into and the negotiator acts on. Classification happens once, at
// the adapter boundary; everything above only reads the category.
package failure

import (
	"errors"
	"fmt"
)

// Category describes what kind of failure occurred and, implicitly, what the
// negotiator is allowed to do about it.
type Category int

const (
	// CategoryUnknown is an error nobody classified.
	CategoryUnknown Category = iota

	// CategoryAuthentication means the credential was rejected. Credential
	// scoped: terminal for the call, cached against the credential.
	CategoryAuthentication

	// CategoryPermissionDenied means authentication succeeded but access to
	// the requested object was refused. Request scoped, terminal.
	CategoryPermissionDenied

	// CategoryInvalidTarget covers unknown namespaces, unknown classes,
	// missing instances and malformed queries. Request scoped, terminal.
	CategoryInvalidTarget

	// CategoryUnsupported means the provider cannot perform the requested
	// operation. Request scoped, terminal.
	CategoryUnsupported

	// CategoryTransient is a protocol-level failure worth retrying on a
	// different transport.
	CategoryTransient

	// CategoryTimeout is an attempt deadline expiry. Treated like a
	// transient failure for protocol switching.
	CategoryTimeout

	// CategoryBadCredential is the ledger short-circuit: the credential is
	// already known to fail on this host, so no transport call was made.
	CategoryBadCredential
)

// String returns the category name used in logs and error messages.
func (c Category) String() string {
	switch c {
	case CategoryAuthentication:
		return "authentication-failure"
	case CategoryPermissionDenied:
		return "permission-denied"
	case CategoryInvalidTarget:
		return "invalid-target"
	case CategoryUnsupported:
		return "unsupported-operation"
	case CategoryTransient:
		return "transient-protocol-failure"
	case CategoryTimeout:
		return "timeout"
	case CategoryBadCredential:
		return "bad-credential"
	default:
		return "unknown"
	}
}

// Retryable reports whether the negotiator may try another protocol after a
// failure of this category. Unknown errors are retried conservatively: the
// source of the taxonomy treats anything unclassified as transient.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryTimeout || c == CategoryUnknown
}

// CredentialScoped reports whether the failure should be charged to the
// credential rather than the protocol or the request.
func (c Category) CredentialScoped() bool {
	return c == CategoryAuthentication || c == CategoryBadCredential
}

// RequestScoped reports whether the failure is a property of the request
// itself (class, namespace, query). Switching protocols cannot help these.
func (c Category) RequestScoped() bool {
	switch c {
	case CategoryPermissionDenied, CategoryInvalidTarget, CategoryUnsupported:
		return true
	default:
		return false
	}
}

// Classified wraps a native transport error with its category. The original
// diagnostic payload stays reachable through errors.Unwrap.
type Classified struct {
	Category Category
	Err      error
}

// New wraps err under the given category.
func New(category Category, err error) *Classified {
	return &Classified{Category: category, Err: err}
}

// Newf wraps a formatted message under the given category.
func Newf(category Category, format string, args ...any) *Classified {
	return &Classified{Category: category, Err: fmt.Errorf(format, args...)}
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return c.Category.String()
	}
	return fmt.Sprintf("%s: %v", c.Category, c.Err)
}

func (c *Classified) Unwrap() error {
	return c.Err
}

// CategoryOf extracts the category from an error chain, or CategoryUnknown
// when nothing in the chain was classified.
func CategoryOf(err error) Category {
	var classified *Classified
	if errors.As(err, &classified) {
		return classified.Category
	}
	return CategoryUnknown
}

// Retryable reports whether err permits another protocol attempt.
func Retryable(err error) bool {
	return CategoryOf(err).Retryable()
}
