package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout        = eris.New("request timed out")
	ErrEmptyResponse  = eris.New("empty response body")
	ErrInvalidURL     = eris.New("invalid URL")
	ErrNoStore        = eris.New("no store found for URL")
	ErrNotFound       = eris.New("record not found")
	ErrInvalidRule    = eris.New("invalid extraction rule")
	ErrNoFetcher      = eris.New("no fetcher available for request")
	ErrAlreadyRunning = eris.New("research already in progress")
)

// FetchError wraps transport faults that occur during fetching.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
	Retryable  bool
	RetryAfter time.Duration // populated from Retry-After header on HTTP 429
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// ParseError wraps errors raised while evaluating an extraction rule.
type ParseError struct {
	URL   string
	Rule  string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse error for %s (field=%s rule=%q): %v", e.URL, e.Field, e.Rule, e.Err)
	}
	return fmt.Sprintf("parse error for %s (rule=%q): %v", e.URL, e.Rule, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError wraps errors that occur during persistence or export.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("storage error (%s %s): %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("storage error (%s): %v", e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PipelineError wraps errors that abort a research stage.
type PipelineError struct {
	Stage string
	Query string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("research error at stage %q for %q: %v", e.Stage, e.Query, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ValidationError carries every message produced while validating an input.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages, "; ")
}
