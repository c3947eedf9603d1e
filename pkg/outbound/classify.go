package outbound

import (
	"context"
	"errors"
	"net"

	"github.com/sony/gobreaker"

	"github.com/beeper/bridgekit/pkg/adapter"
)

// classify maps an adapter call failure to a retry category and a stable
// reason string.
func classify(err error) (Category, string) {
	if err == nil {
		return "", ""
	}
	if ae, ok := adapter.AsError(err); ok {
		switch ae.Reason {
		case adapter.ReasonNetworkTimeout, adapter.ReasonNetwork, adapter.ReasonRateLimited, adapter.ReasonServerError:
			return CategoryRetryable, string(ae.Reason)
		case adapter.ReasonAuth, adapter.ReasonPermission, adapter.ReasonInvalidPayload,
			adapter.ReasonUnsupported, adapter.ReasonException:
			return CategoryTerminal, string(ae.Reason)
		}
		switch {
		case ae.StatusCode == 429:
			return CategoryRetryable, "rate_limited"
		case ae.StatusCode >= 500:
			return CategoryRetryable, "server_error"
		case ae.StatusCode >= 400:
			return CategoryTerminal, string(ae.Reason)
		}
		return CategoryTerminal, string(ae.Reason)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryRetryable, "network_timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryRetryable, "network_timeout"
		}
		return CategoryRetryable, "network"
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CategoryRetryable, "circuit_open"
	}
	return CategoryTerminal, "exception"
}
