// Package syncerr defines the error taxonomy used to decide between retrying,
// queueing and surfacing a failed write.
package syncerr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

var (
	ErrNetwork        = errors.New("network unreachable")
	ErrValidation     = errors.New("rejected by server")
	ErrStorage        = errors.New("durable store failure")
	ErrCancelled      = errors.New("cancelled")
	ErrNotFound       = errors.New("not found")
	ErrOffline        = errors.New("offline")
	ErrAlreadySyncing = errors.New("another item is syncing")
)

type Class int

const (
	ClassValidation Class = iota
	ClassNetwork
	ClassStorage
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassStorage:
		return "storage"
	case ClassCancelled:
		return "cancelled"
	default:
		return "validation"
	}
}

// Classify maps err onto the taxonomy. Unknown errors are validation-class:
// the request is assumed to have reached the server.
func Classify(err error) Class {
	if err == nil {
		return ClassValidation
	}

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrStorage):
		return ClassStorage
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrOffline):
		return ClassNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return ClassNetwork
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return ClassNetwork
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ClassNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassNetwork
	}

	return ClassValidation
}

// IsNetwork reports whether err means the request never reached the server.
func IsNetwork(err error) bool {
	return err != nil && Classify(err) == ClassNetwork
}

// IsCancelled reports whether err came from a cancellation signal.
func IsCancelled(err error) bool {
	return err != nil && Classify(err) == ClassCancelled
}
