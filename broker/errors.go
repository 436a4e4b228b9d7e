package broker

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrNotConnected       = errors.New("not connected")
	ErrUnknownSymbol      = errors.New("unknown symbol")
	ErrInvalidSize        = errors.New("invalid size")
	ErrInvalidLeverage    = errors.New("invalid leverage")
	ErrInvalidLevels      = errors.New("invalid stop or take-profit level")
	ErrInvalidQuote       = errors.New("invalid quote")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrNotFound           = errors.New("not found")
	ErrTimeout            = errors.New("timeout")
	ErrExecutionFailed    = errors.New("execution failed")
)

// AuthRejectedError carries the venue's reason for refusing a login or a
// token.
type AuthRejectedError struct {
	Reason string
}

func (e *AuthRejectedError) Error() string {
	if e.Reason == "" {
		return ErrAuthRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuthRejected, e.Reason)
}

func (e *AuthRejectedError) Is(target error) bool {
	return target == ErrAuthRejected
}

// Rejected builds an AuthRejectedError.
func Rejected(reason string) error {
	return &AuthRejectedError{Reason: reason}
}
