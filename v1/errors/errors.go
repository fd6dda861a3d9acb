package errors

import "errors"

var (
	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned when the store connection is gone.
	ErrConnectionClosed = errors.New("connection closed")
)
