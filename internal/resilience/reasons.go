package resilience

import (
	"errors"
	"fmt"
)

// Reason tags the terminal cause of a guarded call.
type Reason string

const (
	ReasonRateLimited Reason = "rate_limited"
	ReasonCircuitOpen Reason = "circuit_open"
	ReasonTimeout     Reason = "timeout"
	ReasonTransport   Reason = "transport_error"
	ReasonMaxRetries  Reason = "max_retries_exceeded"
)

// Failure couples a service and reason with the underlying error, if any.
type Failure struct {
	Service Service
	Reason  Reason
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Service, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Service, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonOf extracts the failure reason from err, or "" when err does not
// originate from a guarded call.
func ReasonOf(err error) Reason {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Reason
	}
	return ""
}
