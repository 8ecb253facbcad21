// Package sync implements the chunked, resumable activity sync pipeline:
// one page fetched from the upstream API, enriched with weather and
// location data, and persisted per invocation.
package sync

import (
	"errors"
	"fmt"

	httputil "github.com/ripixel/stridesync-server/pkg/infrastructure/http"
)

// Stage names recorded on a failed session. Only the classification and
// the stage cross the pipeline boundary, never raw upstream payloads.
const (
	StageCredentials = "credentials"
	StageFetching    = "fetching"
	StageEnriching   = "enriching"
	StagePersisting  = "persisting"
)

// AuthError means the token pair is unusable and the user must
// re-authenticate. Fatal for the session, never retried.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError carries the upstream status for backoff decisions.
// 429 and 5xx are retryable; anything else is not.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether the caller should back off and retry.
func (e *UpstreamError) Retryable() bool {
	return httputil.RetryableStatus(e.StatusCode)
}

// PersistenceError means the storage layer is unavailable: the batch
// write failed and so did every individual fallback write.
type PersistenceError struct {
	Attempted int
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: all %d individual writes failed: %v", e.Attempted, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Session claim sentinels.
var (
	// ErrSessionBusy means another invocation holds the session and its
	// claim is not stale yet.
	ErrSessionBusy = errors.New("session is being processed by another invocation")
	// ErrSessionTerminal means the session is completed or cancelled and
	// cannot be advanced.
	ErrSessionTerminal = errors.New("session is in a terminal state")
)

// IsRetryable reports whether err is an upstream error worth retrying.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	return false
}
