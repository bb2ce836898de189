// Package precondition implements the precondition gate: a boolean
// predicate over a ScheduledCommand, re-checked as new events arrive on
// the bus and on a timeout fallback.
package precondition

import (
	"context"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
)

// Verifier answers "is command's precondition observable now?"
type Verifier interface {
	Verify(ctx context.Context, cmd *models.ScheduledCommand) bool
}

// VerifierFunc adapts a plain function to Verifier.
type VerifierFunc func(ctx context.Context, cmd *models.ScheduledCommand) bool

func (f VerifierFunc) Verify(ctx context.Context, cmd *models.ScheduledCommand) bool { return f(ctx, cmd) }

// Always is a Verifier with no precondition — always observable.
var Always Verifier = VerifierFunc(func(context.Context, *models.ScheduledCommand) bool { return true })

// Wakeup is a signal channel that receives a value every time new events
// have arrived and a precondition that previously evaluated false might now
// evaluate true. The scheduling front-end's bus subscription feeds it.
type Wakeup <-chan struct{}

// WaitUntilSatisfiedOrTimeout blocks until verifier reports the command's
// precondition satisfied, wakeup fires and re-verification succeeds, the
// timeout elapses, or ctx is canceled. It returns true if delivery should
// proceed because the precondition was observed satisfied, and false if the
// timeout fired first. On timeout the caller still delivers the command
// anyway.
func WaitUntilSatisfiedOrTimeout(ctx context.Context, verifier Verifier, cmd *models.ScheduledCommand, wakeup Wakeup, timeout time.Duration) bool {
	if verifier == nil {
		verifier = Always
	}
	if verifier.Verify(ctx, cmd) {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-wakeup:
			if verifier.Verify(ctx, cmd) {
				return true
			}
		}
	}
}
