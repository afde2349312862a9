// Package executor performs exactly one queued action against the email
// provider and reports a structured outcome. It never retries and never
// touches the store — retry policy belongs to the worker loop; the only side
// effect per invocation is the single provider call.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trimbox/actionq/internal/classify"
	"github.com/trimbox/actionq/internal/clock"
	"github.com/trimbox/actionq/internal/types"
)

// EmailActionCapability is the abstract provider surface the queue drives.
// Implementations return either success or a raw error carrying enough
// signal (status code, reason) for the classifier to categorize.
type EmailActionCapability interface {
	// Trash moves the message to the trash folder.
	Trash(ctx context.Context, emailID string) error
	// Delete removes the message; permanent skips the trash folder.
	Delete(ctx context.Context, emailID string, permanent bool) error
	// ModifyLabels applies and removes label sets in one call.
	ModifyLabels(ctx context.Context, emailID string, add, remove []string) error
	// ReportSpam marks the message as spam.
	ReportSpam(ctx context.Context, emailID string) error
	// ReportPhishing reports the message as phishing.
	ReportPhishing(ctx context.Context, emailID string) error
	// RequestUnsubscribe performs the HTTP unsubscribe request and returns
	// the response status code.
	RequestUnsubscribe(ctx context.Context, url string) (int, error)
}

// MailSender handles mailto: unsubscribe targets. Optional: when absent,
// mailto unsubscribes are downgraded instead of attempted.
type MailSender interface {
	SendUnsubscribe(ctx context.Context, address string) error
}

// Disposition is the coarse outcome of one execution.
type Disposition int

const (
	// Succeeded: the provider call completed.
	Succeeded Disposition = iota
	// Failed: the call failed; Result.Failure carries the classification.
	Failed
	// Downgraded: an unsubscribe that can never succeed (permanent error or
	// no way to perform it). Distinct from Failed so the scheduler can fall
	// back to delete-only semantics instead of burning retries — the user's
	// delete intent must never be silently dropped.
	Downgraded
)

// Result is the structured outcome of one Execute call.
type Result struct {
	Disposition Disposition
	// Failure is the classified error for Failed and Downgraded outcomes.
	Failure classify.Result
	// Code is the provider status on the success path when one exists
	// (unsubscribe 2xx).
	Code      int
	StartedAt time.Time
	Duration  time.Duration
}

// Executor dispatches one item at a time against the provider.
type Executor struct {
	provider EmailActionCapability
	sender   MailSender // may be nil
	clk      clock.Clock
	logger   *slog.Logger
}

// New creates an Executor. sender may be nil when no mailto transport is
// available.
func New(provider EmailActionCapability, sender MailSender, clk clock.Clock, logger *slog.Logger) *Executor {
	return &Executor{provider: provider, sender: sender, clk: clk, logger: logger}
}

// Execute performs item's action. The caller bounds ctx with the configured
// per-call timeout; a timeout classifies as a transient network failure.
func (e *Executor) Execute(ctx context.Context, item *types.ActionQueueItem) Result {
	started := e.clk.Now()
	res := e.dispatch(ctx, item)
	res.StartedAt = started
	res.Duration = e.clk.Now().Sub(started)

	if res.Disposition != Succeeded {
		e.logger.Debug("action attempt failed",
			"item", item.ID,
			"action", string(item.ActionType),
			"category", res.Failure.Category.String(),
			"code", res.Failure.Code,
		)
	}
	return res
}

func (e *Executor) dispatch(ctx context.Context, item *types.ActionQueueItem) Result {
	switch item.ActionType {
	case types.ActionTrash:
		return e.resolve(e.provider.Trash(ctx, item.EmailID))

	case types.ActionDelete:
		permanent := item.Params.Delete != nil && item.Params.Delete.Permanent
		return e.resolve(e.provider.Delete(ctx, item.EmailID, permanent))

	case types.ActionLabel:
		p := item.Params.Label
		if p == nil {
			return failPermanent("label action without label params")
		}
		return e.resolve(e.provider.ModifyLabels(ctx, item.EmailID, p.Add, p.Remove))

	case types.ActionReportSpam:
		return e.resolve(e.provider.ReportSpam(ctx, item.EmailID))

	case types.ActionReportPhishing:
		return e.resolve(e.provider.ReportPhishing(ctx, item.EmailID))

	case types.ActionUnsubscribe:
		return e.unsubscribe(ctx, item)

	default:
		return failPermanent(fmt.Sprintf("unknown action type %q", item.ActionType))
	}
}

// unsubscribe handles both transport methods. Transient failures go down the
// normal retry path; anything that can never succeed is Downgraded so the
// worker can substitute the delete-only fallback.
func (e *Executor) unsubscribe(ctx context.Context, item *types.ActionQueueItem) Result {
	p := item.Params.Unsubscribe
	if p == nil {
		return failPermanent("unsubscribe action without unsubscribe params")
	}

	switch p.Method {
	case types.UnsubscribeHTTP:
		code, err := e.provider.RequestUnsubscribe(ctx, p.Target)
		if err == nil && code >= 200 && code < 300 {
			return Result{Disposition: Succeeded, Code: code}
		}
		if err == nil {
			err = &classify.StatusError{Code: code, Message: "unsubscribe endpoint rejected the request"}
		}
		return e.resolveUnsubscribe(err)

	case types.UnsubscribeMailto:
		if e.sender == nil {
			return Result{
				Disposition: Downgraded,
				Failure: classify.Result{
					Category: classify.PermanentClientError,
					Message:  "no mail transport configured for mailto unsubscribe",
				},
			}
		}
		if err := e.sender.SendUnsubscribe(ctx, p.Target); err != nil {
			return e.resolveUnsubscribe(err)
		}
		return Result{Disposition: Succeeded}

	default:
		return failPermanent(fmt.Sprintf("unknown unsubscribe method %q", p.Method))
	}
}

// resolve classifies err into a Result for non-unsubscribe actions.
func (e *Executor) resolve(err error) Result {
	if err == nil {
		return Result{Disposition: Succeeded}
	}
	return Result{Disposition: Failed, Failure: classify.Classify(err)}
}

// resolveUnsubscribe is resolve with the downgrade rule: a permanent
// client error on an unsubscribe will never get better, so retrying is
// pointless — signal the fallback instead.
func (e *Executor) resolveUnsubscribe(err error) Result {
	failure := classify.Classify(err)
	if failure.Category == classify.PermanentClientError {
		return Result{Disposition: Downgraded, Failure: failure}
	}
	return Result{Disposition: Failed, Failure: failure}
}

func failPermanent(msg string) Result {
	return Result{
		Disposition: Failed,
		Failure:     classify.Result{Category: classify.PermanentClientError, Message: msg},
	}
}
