package kv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrorKind classifies facade errors so callers can decide on retry
type ErrorKind string

const (
	// ErrKindTransient covers timeouts and lost connections; safe to retry
	ErrKindTransient ErrorKind = "transient"
	// ErrKindAuth covers authentication and authorization failures
	ErrKindAuth ErrorKind = "auth"
	// ErrKindNotFound covers lookups where the key must exist but does not
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindProtocol covers command misuse and server-side errors
	ErrKindProtocol ErrorKind = "protocol"
	// ErrKindTimeout covers pool acquisition expiry
	ErrKindTimeout ErrorKind = "timeout"
)

var (
	// ErrPoolClosed is returned for any operation after Shutdown
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrAcquireTimeout is returned when no connection frees up in time
	ErrAcquireTimeout = &Error{Kind: ErrKindTimeout, Op: "acquire", Err: errors.New("connection acquire timed out")}
)

// Error is the typed error every facade operation returns on failure
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("kv %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.Kind == ErrKindTransient
	}
	return false
}

// IsNotFound reports whether err is a missing-key error
func IsNotFound(err error) bool {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.Kind == ErrKindNotFound
	}
	return errors.Is(err, redis.Nil)
}

// classify wraps a raw client error into a typed one. redis.Nil is mapped
// to not-found; callers that treat missing keys as empty values must check
// before classifying.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrKindProtocol
	switch {
	case errors.Is(err, redis.Nil):
		kind = ErrKindNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = ErrKindTransient
	case isNetworkError(err):
		kind = ErrKindTransient
	case isAuthError(err):
		kind = ErrKindAuth
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "EOF")
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "NOPERM") ||
		strings.Contains(msg, "invalid password")
}
