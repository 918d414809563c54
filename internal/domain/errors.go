package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Match with errors.Is.
var (
	ErrNetworkUnavailable = errors.New("feed network unavailable")
	ErrMalformedResponse  = errors.New("feed response malformed")
	ErrRateLimited        = errors.New("feed rate limited")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrInvalidQuery       = errors.New("invalid query")
)

// FetchError is returned by feed clients for a failed fetch.
type FetchError struct {
	Kind       error // one of ErrNetworkUnavailable, ErrMalformedResponse, ErrRateLimited
	RetryAfter time.Duration
	Err        error
}

// NewFetchError wraps err with a fetch error kind.
func NewFetchError(kind error, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the failure is transient.
func (e *FetchError) Retryable() bool {
	return errors.Is(e.Kind, ErrNetworkUnavailable) || errors.Is(e.Kind, ErrRateLimited)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// NormalizationReason tags why a raw entry was rejected.
type NormalizationReason string

const (
	ReasonUndecodable  NormalizationReason = "undecodable"
	ReasonMissingField NormalizationReason = "missing_field"
	ReasonBadFormat    NormalizationReason = "bad_format"
	ReasonOutOfRange   NormalizationReason = "out_of_range"
)

// NormalizationError reports a single rejected feed entry. It never aborts a batch.
type NormalizationError struct {
	Raw     RawEvent
	EventID string // empty when the id itself could not be read
	Reason  NormalizationReason
	Field   string
	Detail  string
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("normalize %s", e.Reason)
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.EventID != "" {
		msg += " (event " + e.EventID + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
