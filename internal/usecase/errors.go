package usecase

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned for unknown emails, wrong passwords and
	// non-admin accounts on the admin login.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrPasswordMismatch is returned when signup passwords differ.
	ErrPasswordMismatch = errors.New("passwords do not match")
)

// InvalidInputError rejects caller supplied data.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
