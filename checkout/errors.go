package checkout

import (
	"errors"
	"fmt"

	"mineshop/circuitbreaker"
	"mineshop/client"
)

var (
	ErrCheckInFlight     = errors.New("a payment check is already in progress")
	ErrTerminal          = errors.New("payment is already resolved")
	ErrVerifierStopped   = errors.New("payment verification stopped")
	ErrNoActivePayment   = errors.New("no active payment")
	ErrUnsupportedMethod = errors.New("payment method does not use the PIX flow")
	ErrBusy              = errors.New("another checkout step is in progress")
)

// UserMessage turns an error from the checkout flow into text fit for the
// customer. Timeouts and server failures are worded differently; both invite
// a retry.
func UserMessage(err error) string {
	var verr *ValidationError
	var httpErr *client.HTTPError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return fmt.Sprintf("Please check the %s field: %s.", verr.Field, verr.Message)
	case client.IsTimeout(err):
		return "The server took too long to respond. Please try again."
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "The store is temporarily unavailable. Please try again in a few seconds."
	case errors.As(err, &httpErr) && httpErr.StatusCode < 500:
		if httpErr.Message != "" {
			return httpErr.Message
		}
		return "The request was rejected. Please review your data and try again."
	case errors.As(err, &httpErr):
		return "The server could not process the request. Please try again."
	case errors.Is(err, client.ErrMalformedResponse):
		return "The server sent an unexpected response. Please try again."
	case errors.Is(err, ErrUnsupportedMethod):
		return "Only PIX payments are supported here."
	case errors.Is(err, ErrBusy):
		return "Please wait, we are still processing your previous request."
	default:
		return "Something went wrong. Please try again."
	}
}
