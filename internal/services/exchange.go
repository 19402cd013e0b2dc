package services

import (
	"context"
	"errors"
	"sync"

	"github.com/MegaGrindStone/chat-widget/internal/models"
)

// Exchange is a handle on one request/reply round trip with a backend. It settles exactly once, with a
// reply, a *models.Failure, or models.ErrCancelled.
type Exchange struct {
	cancel context.CancelFunc
	done   chan struct{}

	once    sync.Once
	outcome models.Outcome
}

// startExchange runs fn once in its own goroutine and returns the handle on it. The attempt is never
// retried. Whatever fn returns after the exchange was cancelled, the outcome is models.ErrCancelled.
func startExchange(fn func(ctx context.Context) (string, error)) *Exchange {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Exchange{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		reply, err := fn(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			e.settle(models.Outcome{Err: models.ErrCancelled})
			return
		}
		e.settle(models.Outcome{Reply: reply, Err: err})
	}()

	return e
}

func (e *Exchange) settle(o models.Outcome) {
	e.once.Do(func() {
		e.outcome = o
		e.cancel()
		close(e.done)
	})
}

// Cancel aborts the exchange if it is still outstanding, and settles it as cancelled. Calling Cancel on a
// settled exchange, or calling it more than once, does nothing.
func (e *Exchange) Cancel() {
	e.settle(models.Outcome{Err: models.ErrCancelled})
}

// Done returns a channel that is closed once the exchange has settled.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Outcome returns the settled outcome. It must only be called after Done is closed.
func (e *Exchange) Outcome() models.Outcome {
	<-e.done
	return e.outcome
}
