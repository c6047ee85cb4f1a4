// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package export

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// KindedError is implemented by errors that carry a stable kind name used to
// match an operation's non-retryable error list.
type KindedError interface {
	error
	Kind() string
}

// NonRetryableError is a failure that retrying cannot fix, such as missing
// permissions or an invalid destination configuration.
type NonRetryableError struct {
	ErrKind string
	Err     error
}

func (e *NonRetryableError) Error() string {
	if e.ErrKind == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.ErrKind, e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

func (e *NonRetryableError) Kind() string { return e.ErrKind }

// NewNonRetryable wraps err as a non-retryable failure of the given kind.
func NewNonRetryable(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{ErrKind: kind, Err: err}
}

// Errorf builds a *NonRetryableError of the given kind from a format string.
func Errorf(kind, format string, args ...any) error {
	return &NonRetryableError{ErrKind: kind, Err: fmt.Errorf(format, args...)}
}

// ErrorKind returns the kind of the first KindedError in err's chain.
func ErrorKind(err error) string {
	var k KindedError
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsNonRetryable reports whether err must not be retried, either because it
// is a *NonRetryableError or because its kind is listed in kinds.
func IsNonRetryable(err error, kinds []string) bool {
	if err == nil {
		return false
	}
	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return true
	}
	kind := ErrorKind(err)
	return kind != "" && slices.Contains(kinds, kind)
}
