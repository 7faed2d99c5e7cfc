package account

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is. Everything else that
// comes back from the authentication service surfaces as a *AuthError.
var (
	ErrInvalidCredentials   = errors.New("invalid Apple ID or password")
	ErrInvalidTwoFactorCode = errors.New("incorrect verification code")
	ErrTooManyCodes         = errors.New("too many verification codes sent")
	ErrAccountLocked        = errors.New("this Apple ID has been locked for security reasons")
)

// AuthError is a non-zero status returned by the authentication service.
// Code is the service's "ec" value, Message its "em" text.
type AuthError struct {
	Code    int64
	Message string

	sentinel error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s (%d)", e.Message, e.Code)
	}
	return fmt.Sprintf("authentication failed: error %d", e.Code)
}

func (e *AuthError) Unwrap() error {
	return e.sentinel
}

// gsaError maps a service status code onto the sentinel taxonomy.
func gsaError(code int64, message string) error {
	err := &AuthError{Code: code, Message: message}
	switch code {
	case -22406, -20101:
		err.sentinel = ErrInvalidCredentials
	case -21669:
		err.sentinel = ErrInvalidTwoFactorCode
	case -22981:
		err.sentinel = ErrTooManyCodes
	case -20209:
		err.sentinel = ErrAccountLocked
	}
	return err
}
