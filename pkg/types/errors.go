package types

import "errors"

// Error categories. Package errors wrap one of these so callers can classify
// failures with errors.Is.
var (
	// ErrTransient covers failures that are retried with backoff: unreachable
	// peers, signing timeouts, fee estimation failures.
	ErrTransient = errors.New("transient")

	// ErrIntegrity covers chain linkage failures: previous-hash mismatch,
	// duplicate or non-sequential block ids.
	ErrIntegrity = errors.New("integrity")

	// ErrAuthorization covers requests from unregistered or unauthenticated peers.
	ErrAuthorization = errors.New("authorization")

	// ErrExhaustion covers blocks that ran out of candidates or retries.
	ErrExhaustion = errors.New("exhaustion")
)

// Category wraps a category sentinel around a package sentinel so that
// errors.Is matches both.
type Category struct {
	Kind error
	Err  error
}

// Error returns the wrapped error message.
func (c *Category) Error() string {
	return c.Err.Error()
}

// Unwrap returns both the category and the underlying error.
func (c *Category) Unwrap() []error {
	return []error{c.Kind, c.Err}
}

// Classified returns an error that matches both kind and err.
func Classified(kind error, msg string) error {
	return &Category{Kind: kind, Err: errors.New(msg)}
}

// Classify returns the category name of err, or "unknown".
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrExhaustion):
		return "exhaustion"
	default:
		return "unknown"
	}
}
