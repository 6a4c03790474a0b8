package model

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted is matched by a SyncError whose retry budget ran out
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrorKind classifies network-level failures
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindDNS               ErrorKind = "dns_error"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindNetwork           ErrorKind = "network_error"
	KindInvalidURL        ErrorKind = "invalid_url"
	KindCancelled         ErrorKind = "cancelled"
)

// ConfigError reports a missing or invalid option. It is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// NetworkError wraps a transport failure or an unexpected HTTP status
type NetworkError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// FormatError reports a remote payload with an unusable shape
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "invalid format: " + e.Reason
}

// ValidationError reports an item that failed the integrity gate
type ValidationError struct {
	Index    int
	Identity string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("item %d (%s): %s", e.Index, e.Identity, e.Reason)
	}
	return fmt.Sprintf("item %d: %s", e.Index, e.Reason)
}

// StoreError wraps a persistence failure
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// SyncReason names why a sync failed
type SyncReason string

const (
	ReasonInvalidFormat    SyncReason = "invalid_format"
	ReasonValidation       SyncReason = "validation_failed"
	ReasonNetwork          SyncReason = "network"
	ReasonStore            SyncReason = "store"
	ReasonRetriesExhausted SyncReason = "retries_exhausted"
)

// SyncError is the outcome of a failed sync
type SyncError struct {
	Reason   SyncReason
	Attempts int
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed after %d attempt(s): %s: %v", e.Attempts, e.Reason, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRetriesExhausted) match exhausted syncs
func (e *SyncError) Is(target error) bool {
	return target == ErrRetriesExhausted && e.Reason == ReasonRetriesExhausted
}

// ReasonFor maps a component error onto a SyncReason
func ReasonFor(err error) SyncReason {
	var (
		formatErr     *FormatError
		validationErr *ValidationError
		storeErr      *StoreError
	)
	switch {
	case errors.As(err, &formatErr):
		return ReasonInvalidFormat
	case errors.As(err, &validationErr):
		return ReasonValidation
	case errors.As(err, &storeErr):
		return ReasonStore
	default:
		return ReasonNetwork
	}
}
