package toolexec

import "errors"

var (
	// ErrNotAllowed means the tool is not allow-listed for the tenant.
	// No attempt is made.
	ErrNotAllowed = errors.New("toolexec: tool not allow-listed for tenant")

	// ErrSchemaInvalid means the arguments failed input schema validation,
	// or a 2xx response body failed output schema validation.
	ErrSchemaInvalid = errors.New("toolexec: schema validation failed")

	// ErrCircuitOpen means the per-(tenant, tool) breaker is open and the
	// call was rejected without any outbound request.
	ErrCircuitOpen = errors.New("toolexec: circuit open")

	// ErrToolTimeout means every attempt exceeded the tool's deadline.
	ErrToolTimeout = errors.New("toolexec: tool timed out")

	// ErrToolUnavailable means the tool kept failing (5xx, connection
	// errors) or rejected the request outright (4xx).
	ErrToolUnavailable = errors.New("toolexec: tool unavailable")
)

// permanentError marks an attempt failure that must not be retried,
// such as a 4xx response.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
