package engine

import "errors"

// Rejection codes surfaced to clients.
const (
	CodeLowBidAmount        = "LOW_BID_AMOUNT"
	CodeCannotBidContinuous = "CANNOT_BID_CONTINUOUS"
	CodeCannotBidOwn        = "CANNOT_BID_OWN_AUCTION"
	CodeAuctionNotRunning   = "AUCTION_NOT_RUNNING"
	CodeAuctionEnded        = "AUCTION_ENDED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeUserNotActive       = "USER_NOT_ACTIVE"
)

var (
	// ErrLockTimeout means the auction or user lock could not be taken
	// within the wait budget. The client should retry.
	ErrLockTimeout = errors.New("bid lock timeout")

	// ErrRequestInFlight means the same request id is still being
	// processed by another call.
	ErrRequestInFlight = errors.New("bid request in flight")

	// ErrEnqueueFailed means the accepted bid could not be queued for
	// durable write-back and was rolled back.
	ErrEnqueueFailed = errors.New("bid enqueue failed")
)

// RejectionError is a business rejection of a bid. It is an expected
// outcome, not a fault.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

func reject(code, message string) error {
	return &RejectionError{Code: code, Message: message}
}

// RejectionCode extracts the code from a rejection, or "" for other errors.
func RejectionCode(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return ""
}
