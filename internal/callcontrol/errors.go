package callcontrol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/MrWong99/dialtone/internal/resilience"
)

// Twilio error codes that get distinct handling.
const (
	// CodeCallEnded means the call is no longer in progress. Benign: the
	// caller hung up while an instruction was in flight.
	CodeCallEnded = 21220

	// CodeAuth means the account credentials were rejected.
	CodeAuth = 20003

	// CodeNotFound means the call SID is unknown.
	CodeNotFound = 20404
)

// ErrCallEnded matches any *APIError carrying CodeCallEnded via errors.Is.
var ErrCallEnded = errors.New("callcontrol: call already ended")

// APIError is an error response from the call-control REST API.
type APIError struct {
	// Status is the HTTP status code.
	Status int

	// Code is the provider error code, or 0 if the body carried none.
	Code int

	// Message is the provider's human-readable message.
	Message string

	// MoreInfo is a documentation link, if provided.
	MoreInfo string
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("callcontrol: api error %d (http %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("callcontrol: http %d: %s", e.Status, e.Message)
}

// Is reports whether target is ErrCallEnded and e carries CodeCallEnded.
func (e *APIError) Is(target error) bool {
	return target == ErrCallEnded && e.Code == CodeCallEnded
}

// IsCallEnded reports whether err means the call already ended.
func IsCallEnded(err error) bool {
	return errors.Is(err, ErrCallEnded)
}

// Outcome classifies the result of an instruction for logs and metrics.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeCallEnded   Outcome = "call_ended"
	OutcomeAuth        Outcome = "auth"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeNetwork     Outcome = "network"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeError       Outcome = "error"
)

// Benign reports whether the outcome needs no further handling.
func (o Outcome) Benign() bool {
	return o == OutcomeOK || o == OutcomeCallEnded
}

// Classify maps an UpdateCall error to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return OutcomeCircuitOpen
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case CodeCallEnded:
			return OutcomeCallEnded
		case CodeAuth:
			return OutcomeAuth
		case CodeNotFound:
			return OutcomeNotFound
		}
		return OutcomeError
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) ||
		errors.Is(err, context.DeadlineExceeded) {
		return OutcomeNetwork
	}
	return OutcomeError
}

// countsAsFailure decides which outcomes trip the circuit breaker. Per-call
// conditions (ended, not found) say nothing about the API's health.
func countsAsFailure(err error) bool {
	switch Classify(err) {
	case OutcomeOK, OutcomeCallEnded, OutcomeNotFound:
		return false
	}
	return true
}
