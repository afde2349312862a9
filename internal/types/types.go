// Package types contains the core domain types shared across all actionq
// internal packages. It deliberately has zero imports of other actionq
// packages so that the storage backends, the worker loop, and the service
// facade can all import from it without creating import cycles.
package types

import (
	"errors"
	"fmt"
	"time"
)

// ─── Action types ─────────────────────────────────────────────────────────────

// ActionType identifies what kind of remediation a queue item performs.
type ActionType string

const (
	ActionDelete         ActionType = "delete"
	ActionTrash          ActionType = "trash"
	ActionLabel          ActionType = "label"
	ActionUnsubscribe    ActionType = "unsubscribe"
	ActionReportSpam     ActionType = "report_spam"
	ActionReportPhishing ActionType = "report_phishing"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionDelete, ActionTrash, ActionLabel, ActionUnsubscribe,
		ActionReportSpam, ActionReportPhishing:
		return true
	}
	return false
}

// DefaultPriority returns the dispatch priority for an action type.
// Lower dequeues first. Phishing reports always outrank everything else;
// label-only changes drain last.
func (t ActionType) DefaultPriority() int {
	switch t {
	case ActionReportPhishing:
		return 1
	case ActionReportSpam:
		return 2
	case ActionDelete:
		return 3
	case ActionTrash:
		return 4
	case ActionUnsubscribe:
		return 5
	default: // ActionLabel and anything unrecognised
		return 6
	}
}

// ─── Action parameters ────────────────────────────────────────────────────────

// UnsubscribeMethod is how an unsubscribe request is carried out.
type UnsubscribeMethod string

const (
	UnsubscribeHTTP   UnsubscribeMethod = "http"
	UnsubscribeMailto UnsubscribeMethod = "mailto"
)

// LabelParams carries the label sets for an ActionLabel item.
type LabelParams struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// UnsubscribeParams carries the method and target for an ActionUnsubscribe
// item, extracted from the message's List-Unsubscribe header upstream.
type UnsubscribeParams struct {
	Method UnsubscribeMethod `json:"method"`
	// Target is an http(s) URL for UnsubscribeHTTP or a mailto: address for
	// UnsubscribeMailto.
	Target string `json:"target"`
}

// DeleteParams distinguishes a hard delete from a move-to-trash performed
// through the ActionDelete type.
type DeleteParams struct {
	Permanent bool `json:"permanent"`
}

// ActionParams is the variant payload attached to an ActionQueueItem.
//
// Exactly one field may be non-nil, and which one is dictated by the item's
// ActionType (see Validate). A tagged struct rather than a raw JSON map keeps
// the executor's type switch exhaustive at compile time.
type ActionParams struct {
	Label       *LabelParams       `json:"label,omitempty"`
	Unsubscribe *UnsubscribeParams `json:"unsubscribe,omitempty"`
	Delete      *DeleteParams      `json:"delete,omitempty"`
}

// ErrInvalidParams is returned when an item's params do not match its type.
var ErrInvalidParams = errors.New("invalid action params")

// Validate checks that the params variant matches the action type.
func (p ActionParams) Validate(t ActionType) error {
	switch t {
	case ActionLabel:
		if p.Label == nil {
			return fmt.Errorf("%w: label action requires label params", ErrInvalidParams)
		}
		if len(p.Label.Add) == 0 && len(p.Label.Remove) == 0 {
			return fmt.Errorf("%w: label action with empty add and remove sets", ErrInvalidParams)
		}
	case ActionUnsubscribe:
		if p.Unsubscribe == nil {
			return fmt.Errorf("%w: unsubscribe action requires unsubscribe params", ErrInvalidParams)
		}
		if p.Unsubscribe.Target == "" {
			return fmt.Errorf("%w: unsubscribe action with empty target", ErrInvalidParams)
		}
		switch p.Unsubscribe.Method {
		case UnsubscribeHTTP, UnsubscribeMailto:
		default:
			return fmt.Errorf("%w: unknown unsubscribe method %q", ErrInvalidParams, p.Unsubscribe.Method)
		}
	case ActionDelete, ActionTrash, ActionReportSpam, ActionReportPhishing:
		// Delete params are optional on ActionDelete; the remaining types
		// carry no params at all.
		if p.Label != nil || p.Unsubscribe != nil {
			return fmt.Errorf("%w: %s action carries foreign params", ErrInvalidParams, t)
		}
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidParams, t)
	}
	return nil
}

// ─── Item status ──────────────────────────────────────────────────────────────

// Status is the lifecycle state of an action queue item.
type Status uint8

const (
	// StatusPending means the item is waiting to be claimed by a worker.
	StatusPending Status = iota
	// StatusProcessing means exactly one worker holds the item and is
	// executing it against the provider.
	StatusProcessing
	// StatusCompleted means the provider call succeeded. Terminal.
	StatusCompleted
	// StatusFailed means the item exhausted its retries or hit a permanent
	// error. Terminal; requires manual user action to resurrect.
	StatusFailed
	// StatusRetrying means a previous attempt failed and the item becomes
	// claimable again once NextRetryAfter elapses.
	StatusRetrying
)

// String returns the stable textual form used in storage and logs.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "processing":
		return StatusProcessing, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "retrying":
		return StatusRetrying, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ─── ActionQueueItem ──────────────────────────────────────────────────────────

// DefaultMaxRetries is applied when an item is enqueued with MaxRetries 0.
const DefaultMaxRetries = 3

// ActionQueueItem is one durable unit of work: a single provider mutation of
// a single message.
//
// Design rules:
//   - Every field a scheduling decision depends on lives here and is
//     persisted. The process must be able to rebuild the whole pipeline from
//     stored items alone after a crash.
//   - IDs are ULID strings: time-sortable, so lexical order matches creation
//     order and serves as the FIFO tie-break within a priority tier.
//   - All timestamps are UTC.
type ActionQueueItem struct {
	// ID uniquely identifies this item. Assigned at enqueue time, stable for
	// the item's lifetime.
	ID string `json:"id"`

	// EmailID is the provider's opaque identifier of the target message.
	// At most one item per EmailID may be Processing at any instant.
	EmailID string `json:"email_id"`

	ActionType ActionType   `json:"action_type"`
	Params     ActionParams `json:"params"`

	// BulkGroupID groups the items spawned by one user bulk approval.
	// Empty for single-item enqueues.
	BulkGroupID string `json:"bulk_group_id,omitempty"`

	Status Status `json:"status"`

	// Priority is 1 (highest) through 6 (lowest); lower dequeues first.
	Priority int `json:"priority"`

	// RetryCount is the number of retries consumed so far; the first attempt
	// is not a retry. RetryCount never exceeds MaxRetries.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// LastAttemptedAt is when a worker last claimed the item.
	LastAttemptedAt time.Time `json:"last_attempted_at,omitzero"`
	// NextRetryAfter gates re-claiming: the item is not ready before this
	// instant. Zero means ready immediately.
	NextRetryAfter time.Time `json:"next_retry_after,omitzero"`

	// ErrorMessage is the last failure detail. Human-readable, never contains
	// credentials or message content.
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Ready reports whether the item may be claimed at instant now.
func (it *ActionQueueItem) Ready(now time.Time) bool {
	if it.Status != StatusPending && it.Status != StatusRetrying {
		return false
	}
	return it.NextRetryAfter.IsZero() || !it.NextRetryAfter.After(now)
}

// RetriesExhausted reports whether another retry would exceed MaxRetries.
func (it *ActionQueueItem) RetriesExhausted() bool {
	return it.RetryCount >= it.MaxRetries
}

// Clone returns a shallow copy of the item.
func (it *ActionQueueItem) Clone() *ActionQueueItem {
	c := *it
	return &c
}

// ─── Attempt history ──────────────────────────────────────────────────────────

// AttemptCategory is the coarse outcome class recorded per execution attempt.
type AttemptCategory string

const (
	AttemptSuccess     AttemptCategory = "success"
	AttemptRateLimited AttemptCategory = "rate_limited"
	AttemptAuthError   AttemptCategory = "auth_error"
	AttemptAPIError    AttemptCategory = "api_error"
	AttemptNetError    AttemptCategory = "network_error"
)

// AttemptRecord is one row of the append-only attempt history. Used for
// diagnostics and recent-error-rate queries, never for scheduling decisions.
type AttemptRecord struct {
	ItemID        string          `json:"item_id"`
	AttemptNumber int             `json:"attempt_number"`
	Category      AttemptCategory `json:"category"`
	// ResponseCode is the provider HTTP status, 0 when the call never
	// produced one (e.g. a connection error).
	ResponseCode    int           `json:"response_code,omitempty"`
	ResponseMessage string        `json:"response_message,omitempty"`
	Duration        time.Duration `json:"duration"`
	AttemptedAt     time.Time     `json:"attempted_at"`
}

// ─── Bulk group status ────────────────────────────────────────────────────────

// GroupStatus is the aggregate progress of one bulk group, derived on demand
// from the store.
type GroupStatus struct {
	BulkGroupID string `json:"bulk_group_id"`
	Total       int    `json:"total"`
	Pending     int    `json:"pending"` // includes retrying
	Processing  int    `json:"processing"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

// Done reports whether every member has reached a terminal state.
func (g GroupStatus) Done() bool {
	return g.Total > 0 && g.Completed+g.Failed == g.Total
}

// StatusCounts is the queue-wide tally used by UI polling.
type StatusCounts struct {
	Pending    int `json:"pending"` // includes retrying
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
