package finguard

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by a Manager wraps exactly one of them,
// so callers can branch with errors.Is.
var (
	// ErrEncryption indicates a value could not be serialized or encrypted; nothing was written.
	ErrEncryption = errors.New("encryption failed")

	// ErrDecryption indicates a record is corrupted or the key is wrong or unavailable.
	ErrDecryption = errors.New("decryption failed")

	// ErrIntegrity indicates a backup checksum did not match its payload.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrValidation indicates malformed input or a non-compliant backup bundle.
	ErrValidation = errors.New("validation failed")

	// ErrStorageUnavailable indicates the physical store could not be read or written.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

var (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("manager is closed")
)

// Error carries the kind of failure together with the operation and logical key
type Error struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

func newError(kind error, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("finguard")
	if e.Op != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Op)
	}
	if e.Key != "" {
		sb.WriteString(fmt.Sprintf(" %q", e.Key))
	}
	if e.Kind != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// UserMessage turns an error into a short, non-technical sentence for end users.
// Cryptographic detail is never included.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrClosed):
		return "The secure storage has been closed. Please restart the application."
	case errors.Is(err, ErrEncryption):
		return "Your data could not be saved securely. Nothing was written."
	case errors.Is(err, ErrDecryption):
		return "Stored data could not be unlocked. Check your passphrase or restore from a backup."
	case errors.Is(err, ErrIntegrity):
		return "The backup file appears to have been modified or damaged and was not imported."
	case errors.Is(err, ErrValidation) && errors.Is(err, ErrNotFound):
		return "The requested item could not be found."
	case errors.Is(err, ErrValidation):
		return "The request or file is not valid."
	case errors.Is(err, ErrStorageUnavailable):
		return "Local storage is unavailable or full. Free some space and try again."
	default:
		return "Something went wrong. Please try again."
	}
}
