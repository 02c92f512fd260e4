// Package scheduler implements the Interval Scheduler (spec.md §4.4): a
// sync timer that discovers subscriptions, a cron timer that decides which
// (sub, interval) pairs need a prepare-transaction, and reconciliation with
// the chain. Restated per Design Notes §9 as a builder that produces one
// immutable Scheduler once every collaborator address is known — no live
// instance is mutated in place for configuration, unlike the reference's
// tear-down-and-rebuild pattern.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hpp-io/noosphere-agent/internal/chain"
	"github.com/hpp-io/noosphere-agent/internal/checkpoint"
	"github.com/hpp-io/noosphere-agent/internal/hooks"
	"github.com/hpp-io/noosphere-agent/internal/metrics"
	"github.com/hpp-io/noosphere-agent/internal/model"
	"github.com/hpp-io/noosphere-agent/internal/pipeline"
)

// Config holds the Scheduler's tunables (canonical names from spec.md §6).
type Config struct {
	SyncPeriod        time.Duration
	CronInterval      time.Duration
	MaxRetryAttempts  int
	StaleTxAge        time.Duration
	SyncBatchSize     uint64
	AgentWallet       common.Address
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		SyncPeriod:       3 * time.Second,
		CronInterval:     60 * time.Second,
		MaxRetryAttempts: 3,
		StaleTxAge:       5 * time.Minute,
		SyncBatchSize:    100,
	}
}

// ContainerSupport reports whether the agent supports a given container id.
type ContainerSupport interface {
	Supports(containerID [32]byte) bool
}

// SynthesizedSink receives the synthetic RequestStartedEvent produced by a
// successful prepare-tx, so the Request Handler can act without relying on
// the push channel (spec.md §4.4 "On success").
type SynthesizedSink interface {
	Handle(ctx context.Context, evt model.RequestStartedEvent)
}

// Builder accumulates collaborators and tunables; Build() returns one
// immutable Scheduler.
type Builder struct {
	router      chain.RouterClient
	coordinator chain.CoordinatorClient
	batchReader chain.BatchReader
	store       checkpoint.Store
	hooks       hooks.AgentHooks
	support     ContainerSupport
	sink        SynthesizedSink
	decoder     *pipeline.Decoder
	log         logrus.FieldLogger
	metrics     *metrics.Registry
	cfg         Config
}

func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

func (b *Builder) WithRouter(r chain.RouterClient) *Builder           { b.router = r; return b }
func (b *Builder) WithCoordinator(c chain.CoordinatorClient) *Builder { b.coordinator = c; return b }
func (b *Builder) WithBatchReader(r chain.BatchReader) *Builder       { b.batchReader = r; return b }
func (b *Builder) WithCheckpointStore(s checkpoint.Store) *Builder    { b.store = s; return b }
func (b *Builder) WithHooks(h hooks.AgentHooks) *Builder              { b.hooks = h; return b }
func (b *Builder) WithContainerSupport(s ContainerSupport) *Builder   { b.support = s; return b }
func (b *Builder) WithSink(s SynthesizedSink) *Builder                { b.sink = s; return b }
func (b *Builder) WithDecoder(d *pipeline.Decoder) *Builder           { b.decoder = d; return b }
func (b *Builder) WithLogger(l logrus.FieldLogger) *Builder           { b.log = l; return b }
func (b *Builder) WithMetrics(m *metrics.Registry) *Builder           { b.metrics = m; return b }
func (b *Builder) WithConfig(cfg Config) *Builder                     { b.cfg = cfg; return b }

// Build returns the final, immutable Scheduler. A batch reader must be
// supplied through WithBatchReader; if none was, Build looks up the batch
// reader address from the router and returns an error naming it.
func (b *Builder) Build(ctx context.Context) (*Scheduler, error) {
	if b.router == nil || b.coordinator == nil || b.store == nil {
		return nil, errors.New("scheduler: router, coordinator, and checkpoint store are required")
	}
	if b.batchReader == nil {
		addr, err := b.router.GetSubscriptionBatchReader(ctx)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("scheduler: no batch reader supplied (batch reader contract at %s)", addr.Hex())
	}
	h := b.hooks
	if h == nil {
		h = hooks.NoopHooks{}
	}
	log := b.log
	if log == nil {
		log = logrus.StandardLogger()
	}

	committed, err := b.store.LoadCommitted()
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		router:      b.router,
		coordinator: b.coordinator,
		batchReader: b.batchReader,
		store:       b.store,
		hooks:       h,
		support:     b.support,
		sink:        b.sink,
		decoder:     b.decoder,
		log:         log.WithField("component", "scheduler"),
		metrics:     b.metrics,
		cfg:         b.cfg,
		tracked:     make(map[uint64]*model.SubscriptionState),
		committed:   newCommittedSet(committed),
	}, nil
}

// Scheduler tracks active subscriptions and drives prepare-tx generation.
// SubscriptionState is owned exclusively by the Scheduler (spec.md §3).
type Scheduler struct {
	router      chain.RouterClient
	coordinator chain.CoordinatorClient
	batchReader chain.BatchReader
	store       checkpoint.Store
	hooks       hooks.AgentHooks
	support     ContainerSupport
	sink        SynthesizedSink
	decoder     *pipeline.Decoder
	log         logrus.FieldLogger
	metrics     *metrics.Registry
	cfg         Config

	mu              sync.Mutex
	tracked         map[uint64]*model.SubscriptionState
	lastSyncedID    uint64
	committed       *committedSet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Track inserts a subscription into the tracked set. Double-tracking is a
// no-op (spec.md §8).
func (s *Scheduler) Track(state model.SubscriptionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracked[state.ID]; ok {
		return
	}
	cp := state
	s.tracked[state.ID] = &cp
	if s.metrics != nil {
		s.metrics.SchedulerTracked.Set(float64(len(s.tracked)))
	}
	s.hooks.OnSubscriptionTracked(state.ID)
}

// Untrack removes a subscription. Double-untracking is a no-op.
// Removing also prunes every committed-set entry for subID (spec.md §4.4).
func (s *Scheduler) Untrack(subID uint64, reason string) {
	s.mu.Lock()
	_, ok := s.tracked[subID]
	if ok {
		delete(s.tracked, subID)
	}
	if s.metrics != nil {
		s.metrics.SchedulerTracked.Set(float64(len(s.tracked)))
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.committed.RemoveSubscription(subID)
	s.hooks.OnSubscriptionUntracked(subID, reason)
}

// MarkCommitted records that (subID, interval) is believed committed
// on-chain, called by the Request Handler so the Scheduler does not
// duplicate work (spec.md §4.5 step 5). The mark survives restarts via
// the checkpoint store's append-only committed log.
func (s *Scheduler) MarkCommitted(subID uint64, interval uint32) {
	key := model.Key(subID, interval)
	s.committed.Add(key)
	if err := s.store.SaveCommitted(key); err != nil {
		s.log.WithError(err).Warn("failed to persist committed interval")
	}
}

// Stats reports scheduler counters (spec.md §4.4, supplemented).
type Stats struct {
	Tracked   int
	Committed int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed.mu.RLock()
	defer s.committed.mu.RUnlock()
	return Stats{Tracked: len(s.tracked), Committed: len(s.committed.keys)}
}

// Start launches the sync and cron timers. It returns immediately; the
// timers run until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.syncLoop(runCtx)
	go s.cronLoop(runCtx)
}

// Stop cancels both timers and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.SyncPeriod
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			n, err := s.syncTick(ctx)
			if s.metrics != nil {
				s.metrics.SchedulerSyncTickDuration.Observe(time.Since(started).Seconds())
			}
			if err != nil {
				s.log.WithError(err).WithField("stage", "sync").Warn("sync tick failed")
				continue
			}
			s.hooks.OnSyncTick(n)
		}
	}
}

// syncTick reads last_subscription_id and walks newly added ids in batches,
// tracking the ones that qualify (spec.md §4.4 "Sync timer").
func (s *Scheduler) syncTick(ctx context.Context) (int, error) {
	lastID, err := s.router.GetLastSubscriptionID(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	start := s.lastSyncedID + 1
	s.mu.Unlock()

	if start > lastID {
		return 0, nil
	}

	batchSize := s.cfg.SyncBatchSize
	if batchSize == 0 {
		batchSize = 100
	}

	tracked := 0
	now := time.Now().Unix()
	for begin := start; begin <= lastID; begin += batchSize {
		end := begin + batchSize - 1
		if end > lastID {
			end = lastID
		}

		subs, err := s.batchReader.GetSubscriptions(ctx, begin, end)
		if err != nil {
			return tracked, err
		}

		for _, sub := range subs {
			if s.shouldTrackNew(sub, now) {
				state := model.SubscriptionState{
					Subscription:    sub,
					CurrentInterval: sub.IntervalAt(now),
				}
				s.Track(state)
				tracked++
			}
		}

		s.mu.Lock()
		s.lastSyncedID = end
		s.mu.Unlock()
	}
	return tracked, nil
}

func (s *Scheduler) shouldTrackNew(sub model.Subscription, now int64) bool {
	var zeroContainer [32]byte
	if sub.ContainerID == zeroContainer {
		return false
	}
	if sub.Client == (common.Address{}) {
		return false
	}
	if sub.IntervalSeconds == 0 {
		return false
	}
	if now < sub.ActiveAt {
		return false
	}
	if sub.Elapsed(sub.IntervalAt(now)) {
		return false
	}
	if s.support != nil && !s.support.Supports(sub.ContainerID) {
		return false
	}
	return true
}

func (s *Scheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.CronInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cronTick(ctx)
		}
	}
}

// cronTick evaluates every tracked subscription per spec.md §4.4 "Cron
// timer" steps 1-5, and prunes stale pending transactions.
func (s *Scheduler) cronTick(ctx context.Context) {
	s.pruneStaleTx()

	s.mu.Lock()
	ids := make([]uint64, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.reconcileOne(ctx, id)
	}
}

func (s *Scheduler) pruneStaleTx() {
	threshold := s.cfg.StaleTxAge
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	now := time.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.tracked {
		if st.PendingTx != nil && now-st.LastProcessedAt > int64(threshold.Seconds()) {
			st.PendingTx = nil
			st.TxAttempts = 0
		}
	}
}

func (s *Scheduler) getState(subID uint64) (*model.SubscriptionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tracked[subID]
	return st, ok
}

func (s *Scheduler) reconcileOne(ctx context.Context, subID uint64) {
	st, ok := s.getState(subID)
	if !ok {
		return
	}

	// Step 1: query the current on-chain interval.
	current, err := s.router.GetComputeSubscriptionInterval(ctx, subID)
	switch {
	case errors.Is(err, chain.ErrSubscriptionNotFound):
		s.Untrack(subID, "subscription not found")
		return
	case errors.Is(err, chain.ErrArithmetic):
		// "Interval already executed": mark committed, advance current_interval.
		s.mu.Lock()
		st.CurrentInterval++
		interval := st.CurrentInterval
		s.mu.Unlock()
		s.MarkCommitted(subID, interval)
		return
	case err != nil:
		// Transient error: fall back to local computation.
		current = st.CurrentInterval
	}

	s.mu.Lock()
	st.CurrentInterval = current
	if st.IntervalSeconds <= 0 {
		s.mu.Unlock()
		s.Untrack(subID, "interval_seconds <= 0")
		return
	}
	interval := st.CurrentInterval
	s.mu.Unlock()

	// Step 3: should_process.
	if !s.shouldProcess(st, interval) {
		return
	}

	key := model.Key(subID, interval)
	// Step 4: already committed?
	if s.committed.Has(key) {
		return
	}
	count, err := s.coordinator.RedundancyCount(ctx, chain.RequestID(subID, interval))
	if err == nil && count > 0 {
		s.committed.Add(key)
		return
	}

	// Step 5: prepare.
	s.prepare(ctx, st, subID, interval)
}

func (s *Scheduler) shouldProcess(st *model.SubscriptionState, interval uint32) bool {
	now := time.Now().Unix()
	if now < st.ActiveAt {
		return false
	}
	if st.PendingTx != nil {
		return false
	}
	maxRetries := s.cfg.MaxRetryAttempts
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if st.TxAttempts >= maxRetries {
		return false
	}
	if st.Elapsed(interval) {
		return false
	}
	return true
}

func (s *Scheduler) prepare(ctx context.Context, st *model.SubscriptionState, subID uint64, interval uint32) {
	// Re-verify immediately before send: if the chain interval moved beyond
	// interval, skip (spec.md §4.4).
	latest, err := s.router.GetComputeSubscriptionInterval(ctx, subID)
	if err == nil && latest > interval {
		return
	}

	receipt, err := s.coordinator.PrepareNextInterval(ctx, subID, interval, s.cfg.AgentWallet)
	if err != nil {
		s.handlePrepareError(st, subID, interval, err)
		return
	}

	s.mu.Lock()
	st.PendingTx = nil
	st.TxAttempts = 0
	st.LastProcessedAt = time.Now().Unix()
	s.mu.Unlock()

	s.MarkCommitted(subID, interval)
	if s.metrics != nil {
		s.metrics.SchedulerCommitsTotal.Inc()
	}
	s.hooks.OnCommitmentSuccess(subID, interval)

	if s.sink != nil && s.decoder != nil {
		if evt, ok := s.synthesizeEvent(receipt); ok {
			s.sink.Handle(ctx, evt)
		}
	}
}

func (s *Scheduler) handlePrepareError(st *model.SubscriptionState, subID uint64, interval uint32, err error) {
	switch {
	case errors.Is(err, chain.ErrArithmetic):
		s.mu.Lock()
		st.CurrentInterval++
		s.mu.Unlock()
		s.MarkCommitted(subID, st.CurrentInterval)
	case errors.Is(err, chain.ErrNoNextInterval):
		// Hold and wait; does not count as a retry.
		return
	case errors.Is(err, chain.ErrExecutionReverted), errors.Is(err, chain.ErrZeroClient):
		s.Untrack(subID, "execution reverted")
	default:
		s.mu.Lock()
		st.TxAttempts++
		attempts := st.TxAttempts
		maxRetries := s.cfg.MaxRetryAttempts
		s.mu.Unlock()
		if maxRetries <= 0 {
			maxRetries = 3
		}
		if attempts >= maxRetries {
			if s.metrics != nil {
				s.metrics.SchedulerCommitFailures.Inc()
			}
			s.hooks.OnCommitmentFailed(subID, interval, err.Error())
		}
	}
}

// synthesizeEvent reconstructs a RequestStartedEvent from a prepare-tx
// receipt, so the Request Handler can act on a successful commitment
// without waiting for the Event Pipeline's own delivery of the same log
// (spec.md §4.4 "On success, synthesize a RequestStarted event").
func (s *Scheduler) synthesizeEvent(receipt *types.Receipt) (model.RequestStartedEvent, bool) {
	if receipt == nil {
		return model.RequestStartedEvent{}, false
	}
	for _, l := range receipt.Logs {
		if l == nil {
			continue
		}
		evt, err := s.decoder.Decode(*l)
		if err != nil {
			continue
		}
		return evt, true
	}
	return model.RequestStartedEvent{}, false
}
