// Package client defines the uniform adapter contract over every external
// service plus the error taxonomy shared by the sync engine.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookbridge/bookbridge/internal/models"
)

// ErrorKind classifies adapter failures for the engine's recovery policy.
type ErrorKind int

const (
	// KindTransient covers network timeouts, 5xx and socket resets; the
	// engine retries with back-off and continues with other clients.
	KindTransient ErrorKind = iota
	// KindNotConfigured means credentials are absent; silent skip.
	KindNotConfigured
	// KindUnauthorized covers 401/403.
	KindUnauthorized
	// KindNotFound means the resource is missing on the follower.
	KindNotFound
	// KindConflict is a 409 on write; treated as success (idempotent).
	KindConflict
	// KindInvalidData is a schema or hash mismatch; the mapping is flagged
	// and the position is not propagated.
	KindInvalidData
	// KindFatal aborts the cycle (store unreachable, corrupted alignment).
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotConfigured:
		return "not_configured"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidData:
		return "invalid_data"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrSkipped reports that a client declined a write through its own delta
// gate. The engine must not record the position as sent.
var ErrSkipped = errors.New("update skipped by client gate")

// Error is a tagged adapter error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindTransient for
// untagged errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// StatusToKind maps an HTTP status code to an ErrorKind.
func StatusToKind(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindUnauthorized
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status >= 500:
		return KindTransient
	default:
		return KindInvalidData
	}
}

// UpdateRequest carries the translated position a follower should be moved to.
type UpdateRequest struct {
	// Locator is set for text-position clients.
	Locator *models.Locator
	// Timestamp (seconds) is set for audio clients.
	Timestamp float64
	// Percentage is always set.
	Percentage float64
	// Force bypasses client-side guards (used by Clear Progress).
	Force bool
}

// BulkState is an opaque pre-fetched snapshot keyed by book id, produced by
// FetchBulk and passed back into FetchState to amortize N lookups.
type BulkState map[string]interface{}

// Client is the uniform interface over all external services. FetchState
// returning (nil, nil) means "no progress known" and is not an error.
type Client interface {
	// Name returns the closed-set client identity.
	Name() models.ClientName

	// IsConfigured reports whether credentials are present. Unconfigured
	// clients are silently skipped in every cycle.
	IsConfigured() bool

	// FetchState reads the current position for a mapping. prev is the
	// cached state (may be nil); bulk is the optional FetchBulk snapshot.
	FetchState(ctx context.Context, m *models.Mapping, prev *models.ClientState, bulk BulkState) (*models.ClientState, error)

	// FetchBulk optionally reads all known progress in one call. Clients
	// without a bulk endpoint return nil, nil.
	FetchBulk(ctx context.Context) (BulkState, error)

	// Update writes a position in the client's own coordinate system.
	Update(ctx context.Context, m *models.Mapping, req *UpdateRequest) error

	// TextAt extracts a snippet of text at the given state's position, used
	// by the translator. Clients without a text source return "", nil.
	TextAt(ctx context.Context, m *models.Mapping, st *models.ClientState) (string, error)

	// SupportedModes reports which sync modes the client participates in.
	SupportedModes() []models.SyncMode

	// CanLead reports whether the client's reported state may be elected
	// leader. Write-only trackers return false.
	CanLead() bool
}

// SupportsMode reports whether c participates in mode.
func SupportsMode(c Client, mode models.SyncMode) bool {
	for _, m := range c.SupportedModes() {
		if m == mode {
			return true
		}
	}
	return false
}
