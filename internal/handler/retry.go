package handler

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

// RetrySource supplies events the host believes need another attempt (e.g.
// previously failed deliveries recorded in an external ledger) and lets the
// handler clear that state once a retry has been dispatched
// (spec.md §4.5 "optional retry loop").
type RetrySource interface {
	GetRetryableEvents(ctx context.Context) ([]model.RequestStartedEvent, error)
	ResetEventForRetry(ctx context.Context, requestID [32]byte) error
}

// RetryLoop periodically asks a RetrySource for events to retry and
// re-dispatches them through Handle. Only one sweep runs at a time; an
// overlapping tick (the previous sweep still fetching) joins the
// in-flight call instead of issuing a second one.
type RetryLoop struct {
	handler  *Handler
	source   RetrySource
	interval time.Duration

	group  singleflight.Group
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetryLoop(h *Handler, source RetrySource, interval time.Duration) *RetryLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RetryLoop{handler: h, source: source, interval: interval, done: make(chan struct{})}
}

func (r *RetryLoop) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(runCtx)
}

func (r *RetryLoop) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *RetryLoop) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *RetryLoop) sweep(ctx context.Context) {
	_, _, _ = r.group.Do("sweep", func() (interface{}, error) {
		events, err := r.source.GetRetryableEvents(ctx)
		if err != nil {
			r.handler.log.WithError(err).Warn("retry sweep failed to list events")
			return nil, err
		}
		for _, evt := range events {
			if err := r.source.ResetEventForRetry(ctx, evt.RequestID); err != nil {
				r.handler.log.WithError(err).Warn("failed to reset event for retry")
				continue
			}
			r.handler.Handle(ctx, evt)
		}
		return nil, nil
	})
}
