package core

import (
	"errors"
	"fmt"
)

// Call failures. Every one aborts the call with no state change; callers
// match them with errors.Is.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrPolicyNotFound        = errors.New("policy not found")
	ErrClaimNotFound         = errors.New("claim not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrPolicyExpired         = errors.New("policy expired")
	ErrClaimAlreadyProcessed = errors.New("claim already processed")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrTransferFailed        = errors.New("transfer failed")

	// ErrClockRegression is returned when a call carries a height below the
	// last applied height.
	ErrClockRegression = errors.New("logical clock regression")
	// ErrInvalidInput covers malformed arguments that are not amounts
	// (oversized text, too many fraud indicators). It matches
	// ErrInvalidAmount too.
	ErrInvalidInput = fmt.Errorf("invalid input: %w", ErrInvalidAmount)
)
