// Package agent wires the Event Pipeline, Interval Scheduler, Container
// Supervisor, Request Handler, and their auxiliary loops into a single
// process lifecycle (spec.md §5 "agent lifecycle").
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hpp-io/noosphere-agent/internal/handler"
	"github.com/hpp-io/noosphere-agent/internal/pipeline"
	"github.com/hpp-io/noosphere-agent/internal/scheduler"
	"github.com/hpp-io/noosphere-agent/internal/supervisor"
)

// StopGrace bounds how long Stop waits for every component to converge
// before giving up and returning (spec.md §5 "shutdown sequence").
const StopGrace = 30 * time.Second

// Pipeline is the subset of pipeline.Pipeline the agent drives.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop()
}

// Scheduler is the subset of scheduler.Scheduler the agent drives.
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
}

// Supervisor is the subset of supervisor.Supervisor the agent drives.
type Supervisor interface {
	CheckDockerAvailable(ctx context.Context) error
	Prepare(ctx context.Context, defs map[string]supervisor.Spec) error
	Cleanup(ctx context.Context)
	StopPersistent(ctx context.Context)
}

// Loop is the shape shared by handler.RetryLoop and handler.HealthLoop.
type Loop interface {
	Start(ctx context.Context)
	Stop()
}

// Agent owns the cascading startup/shutdown of every long-running
// component. Construction is the caller's job (cmd/agent/main.go); Agent
// only sequences Start/Stop.
type Agent struct {
	pipeline   Pipeline
	scheduler  Scheduler
	supervisor Supervisor
	retryLoop  Loop // optional
	healthLoop Loop // optional

	containerDefs map[string]supervisor.Spec
	log           logrus.FieldLogger

	started bool
}

// Option configures optional Agent collaborators.
type Option func(*Agent)

// WithRetryLoop attaches a handler.RetryLoop, started after the core
// components and stopped first.
func WithRetryLoop(l *handler.RetryLoop) Option {
	return func(a *Agent) { a.retryLoop = l }
}

// WithHealthLoop attaches a handler.HealthLoop, started after the core
// components and stopped first.
func WithHealthLoop(l *handler.HealthLoop) Option {
	return func(a *Agent) { a.healthLoop = l }
}

// New constructs an Agent. containerDefs is passed to Supervisor.Prepare at
// startup so persistent containers are running before the scheduler and
// pipeline begin delivering work.
func New(
	p Pipeline,
	s Scheduler,
	sup Supervisor,
	containerDefs map[string]supervisor.Spec,
	log logrus.FieldLogger,
	opts ...Option,
) *Agent {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Agent{
		pipeline:      p,
		scheduler:     s,
		supervisor:    sup,
		containerDefs: containerDefs,
		log:           log.WithField("component", "agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start brings components up in dependency order: Docker reachability,
// then persistent containers, then the scheduler and pipeline (which may
// immediately start dispatching work), then the optional retry/health
// loops. A failure at any stage aborts the sequence. If the pipeline fails
// to start, the already-started scheduler is stopped here; containers
// brought up by Prepare are left running, since Stop only acts after a
// Start that completed.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.supervisor.CheckDockerAvailable(ctx); err != nil {
		return fmt.Errorf("agent: docker not reachable: %w", err)
	}
	if err := a.supervisor.Prepare(ctx, a.containerDefs); err != nil {
		return fmt.Errorf("agent: preparing containers: %w", err)
	}

	a.scheduler.Start(ctx)

	if err := a.pipeline.Start(ctx); err != nil {
		a.scheduler.Stop()
		return fmt.Errorf("agent: starting event pipeline: %w", err)
	}

	if a.retryLoop != nil {
		a.retryLoop.Start(ctx)
	}
	if a.healthLoop != nil {
		a.healthLoop.Start(ctx)
	}

	a.started = true
	a.log.Info("agent started")
	return nil
}

// Stop unwinds components in the reverse of Start's order, within
// StopGrace: auxiliary loops first (they only schedule work, nothing
// would be lost by stopping them early), then the Event Pipeline (so no
// new events arrive), then the Interval Scheduler (so no new prepare
// transactions are issued), then the Container Supervisor (ephemeral
// containers torn down, persistent containers stopped last). Stop is a
// no-op unless Start completed, and a second call after a completed Stop
// is a no-op too.
func (a *Agent) Stop(ctx context.Context) {
	if !a.started {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, StopGrace)
	defer cancel()

	var g errgroup.Group
	if a.retryLoop != nil {
		g.Go(func() error { a.retryLoop.Stop(); return nil })
	}
	if a.healthLoop != nil {
		g.Go(func() error { a.healthLoop.Stop(); return nil })
	}
	_ = g.Wait()

	a.pipeline.Stop()
	a.scheduler.Stop()

	a.supervisor.Cleanup(stopCtx)
	a.supervisor.StopPersistent(stopCtx)

	a.started = false
	a.log.Info("agent stopped")
}

var (
	_ Pipeline   = (*pipeline.Pipeline)(nil)
	_ Scheduler  = (*scheduler.Scheduler)(nil)
	_ Supervisor = (*supervisor.Supervisor)(nil)
)
