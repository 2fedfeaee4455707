// Package types provides the error taxonomy shared by the deposit engine
package types

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Error engine error with a stable code for API responses
type Error struct {
	Code    string
	Message string
}

func NewError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func (e *Error) Error() string {
	return e.Message
}

var (
	// transient chain/provider errors, retried by the caller with its own backoff
	ErrTransient    = NewError("TRANSIENT", "transient chain provider error")
	ErrNoConnection = NewError("NO_CONNECTION", "no connection available")

	// validation rejections, dropped silently by monitors
	ErrValidation        = NewError("VALIDATION_REJECTED", "transfer rejected")
	ErrTxNotFound        = NewError("TX_NOT_FOUND", "transaction not found")
	ErrNoPayload         = NewError("NO_PAYLOAD", "transaction carries no payload or value")
	ErrRecipientMismatch = NewError("RECIPIENT_MISMATCH", "recipient does not match watched address")
	ErrZeroAmount        = NewError("ZERO_AMOUNT", "zero or absent amount")

	ErrPoolExhausted  = NewError("POOL_EXHAUSTED", "no free custodial address, try again later")
	ErrMalformedInput = NewError("MALFORMED_INPUT", "malformed input")

	ErrHandoff          = NewError("HANDOFF_FAILED", "deposit hand-off failed")
	ErrAlreadyProcessed = NewError("ALREADY_PROCESSED", "deposit already processed")

	// pending entry for the transaction belongs to a different wallet
	ErrOwnedByOtherWallet = NewError("OWNED_BY_OTHER_WALLET", "transaction is tracked for another wallet")
)

// Rejection wraps a validation reason so both errors.Is(err, ErrValidation)
// and errors.Is(err, reason) hold
type Rejection struct {
	Reason *Error
	Detail string
}

func Reject(reason *Error, detail string) error {
	return &Rejection{Reason: reason, Detail: detail}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "transfer rejected: " + r.Reason.Message
	}
	return "transfer rejected: " + r.Reason.Message + ": " + r.Detail
}

func (r *Rejection) Is(target error) bool {
	return target == ErrValidation || target == r.Reason
}

// Malformed builds a 4xx validation error for caller input
func Malformed(detail string) error {
	return &Rejection{Reason: ErrMalformedInput, Detail: detail}
}

// IsValidation reports validation rejections (expected, not exceptional)
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsMalformed reports caller input errors
func IsMalformed(err error) bool {
	var r *Rejection
	return errors.As(err, &r) && r.Reason == ErrMalformedInput
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"temporarily unavailable",
	"rate limit",
}

// IsTransient classifies provider errors that are worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrNoConnection) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, token := range transientTokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// Code returns the API code for err
func Code(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason.Code
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL_ERROR"
}
