package dispatch

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("%w: ...") and the API layer
// maps them to status codes with errors.Is.
var (
	// ErrValidation: missing or malformed input. Always rejects the request.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound: recipient, admin, circle or token absent.
	ErrNotFound = errors.New("not found")
	// ErrDependency: a directory or store read failed.
	ErrDependency = errors.New("dependency unavailable")
	// ErrDelivery: the gateway rejected or failed a send.
	ErrDelivery = errors.New("delivery failed")
	// ErrTimeout: the gateway call exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)
