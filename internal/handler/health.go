package handler

import (
	"context"
	"time"
)

// ContainerCounter reports how many containers the supervisor currently
// considers running.
type ContainerCounter interface {
	RunningCount() int
}

// Reloader reloads container configuration, used as a recovery action when
// the health-check loop finds zero running containers (spec.md §4.5
// "health-check loop").
type Reloader interface {
	Reload(ctx context.Context) error
}

// HealthLoop periodically checks the supervisor's running container count
// and triggers a reload if it ever drops to zero, which would otherwise
// silently starve every subscription routed to this agent.
type HealthLoop struct {
	counter  ContainerCounter
	reloader Reloader
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHealthLoop(counter ContainerCounter, reloader Reloader, interval time.Duration) *HealthLoop {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &HealthLoop{counter: counter, reloader: reloader, interval: interval, done: make(chan struct{})}
}

func (h *HealthLoop) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.loop(runCtx)
}

func (h *HealthLoop) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

func (h *HealthLoop) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.counter.RunningCount() == 0 {
				_ = h.reloader.Reload(ctx)
			}
		}
	}
}
