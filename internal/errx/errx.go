// Package errx provides small helpers for wrapping sentinel errors with
// context while keeping errors.Is matching on the sentinel.
package errx

import "fmt"

// Wrap returns an error that matches sentinel and carries cause.
func Wrap(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With returns an error that matches sentinel with extra formatted context
// appended directly after the sentinel's message.
func With(sentinel error, format string, args ...any) error {
	wrapped := make([]any, 0, len(args)+1)
	wrapped = append(wrapped, sentinel)
	wrapped = append(wrapped, args...)
	return fmt.Errorf("%w"+format, wrapped...)
}
