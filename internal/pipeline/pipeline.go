// Package pipeline implements the Event Pipeline (spec.md §4.2): a live
// stream of RequestStartedEvent from the coordinator address, surviving
// transport churn via a WS/HTTP connection state machine, with historical
// replay from the checkpoint on startup.
//
// Grounded on other_examples' AgentMesh-Net-indexer-go chain watcher
// (ethclient.DialContext, SubscribeFilterLogs with a FilterLogs polling
// fallback) and the teacher's reconnect-loop idiom in
// connector/container.go (cancel-scoped goroutines, a waitCh-style done
// signal).
package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/hpp-io/noosphere-agent/internal/checkpoint"
	"github.com/hpp-io/noosphere-agent/internal/hooks"
	"github.com/hpp-io/noosphere-agent/internal/metrics"
	"github.com/hpp-io/noosphere-agent/internal/model"
)

// Config holds the Event Pipeline's tunables (canonical names from
// spec.md §6).
type Config struct {
	RPCURL             string
	WSRPCURL           string
	CoordinatorAddress common.Address
	DeploymentBlock    uint64

	ReplayChunkSize uint64

	PollingInterval       time.Duration
	WSConnectTimeout      time.Duration
	WSMaxConnectRetries   int
	WSConnectRetryDelay   time.Duration
	WSRecoveryInterval    time.Duration
	CheckpointSaveBlocks  uint64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ReplayChunkSize:      10_000,
		PollingInterval:      12 * time.Second,
		WSConnectTimeout:     10 * time.Second,
		WSMaxConnectRetries:  3,
		WSConnectRetryDelay:  2 * time.Second,
		WSRecoveryInterval:   60 * time.Second,
		CheckpointSaveBlocks: 10,
	}
}

// Sink receives normalized events. The Request Handler implements this.
type Sink interface {
	Handle(ctx context.Context, evt model.RequestStartedEvent)
}

// Pipeline owns the connection and reader position exclusively (spec.md §3).
type Pipeline struct {
	cfg     Config
	store   checkpoint.Store
	decoder *Decoder
	sink    Sink
	hooks   hooks.AgentHooks
	log     logrus.FieldLogger
	metrics *metrics.Registry

	mu            sync.Mutex
	state         State
	lastProcessed uint64
	lastSaved     uint64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	recoveryCancel context.CancelFunc
}

// New constructs a Pipeline. The Pipeline dials the configured WS or HTTP
// URL itself, through ethclient, when it starts. h may be nil, in which
// case pipeline lifecycle events are not reported to a host.
func New(cfg Config, store checkpoint.Store, decoder *Decoder, sink Sink, h hooks.AgentHooks, log logrus.FieldLogger, reg *metrics.Registry) *Pipeline {
	if h == nil {
		h = hooks.NoopHooks{}
	}
	return &Pipeline{
		cfg:     cfg,
		store:   store,
		decoder: decoder,
		sink:    sink,
		hooks:   h,
		log:     log.WithField("component", "pipeline"),
		metrics: reg,
		state:   StateInit,
	}
}

// State returns the current connection state (test/observability hook).
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.PipelineStateTransitions.WithLabelValues(s.String()).Inc()
	}
	p.log.WithField("state", s.String()).Info("connection state transition")
}

// Start loads the checkpoint, replays history, then begins live delivery.
// It blocks until replay completes; live delivery runs in the background
// until Stop is called.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	cp, err := p.store.Load()
	if err != nil {
		return fmt.Errorf("pipeline: connect: loading checkpoint: %w", err)
	}
	from := p.cfg.DeploymentBlock
	if cp != nil {
		from = cp.BlockNumber + 1
	}

	client, err := p.dialHTTP(runCtx)
	if err != nil {
		return fmt.Errorf("pipeline: connect: %w", err)
	}
	defer client.Close()

	latest, err := client.BlockNumber(runCtx)
	if err != nil {
		return fmt.Errorf("pipeline: replay: fetching latest block: %w", err)
	}

	if err := p.replay(runCtx, client, from, latest); err != nil {
		return fmt.Errorf("pipeline: replay: %w", err)
	}

	p.mu.Lock()
	p.lastProcessed = latest
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runLive(runCtx)

	return nil
}

// Stop cancels the recovery loop, the poll timer, and any live subscription,
// converging within a bounded grace window (spec.md §5).
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.setState(StateInit)
}

// replay walks [from, to] in chunks of cfg.ReplayChunkSize, saving the
// checkpoint after each non-empty chunk (spec.md §4.2 "Startup sequence").
func (p *Pipeline) replay(ctx context.Context, client *ethclient.Client, from, to uint64) error {
	if from > to {
		return nil
	}
	chunk := p.cfg.ReplayChunkSize
	if chunk == 0 {
		chunk = 10_000
	}

	for start := from; start <= to; start += chunk {
		end := start + chunk - 1
		if end > to {
			end = to
		}

		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{p.cfg.CoordinatorAddress},
		})
		if err != nil {
			p.log.WithError(err).WithField("stage", "replay").Warn("filter logs failed, continuing")
			continue
		}

		for _, l := range logs {
			p.deliver(ctx, l)
		}

		if p.metrics != nil {
			p.metrics.PipelineReplayChunks.Inc()
		}
		if len(logs) > 0 {
			if err := p.store.Save(model.Checkpoint{BlockNumber: end}); err != nil {
				return fmt.Errorf("saving checkpoint after replay chunk: %w", err)
			}
			if p.metrics != nil {
				p.metrics.PipelineCheckpointBlock.Set(float64(end))
			}
		}
	}
	return nil
}

// runLive drives the connection state machine: WS_CONNECTING -> WS_ACTIVE,
// with fallback to HTTP_FALLBACK and a background recovery loop.
func (p *Pipeline) runLive(ctx context.Context) {
	defer p.wg.Done()

	if p.cfg.WSRPCURL == "" {
		p.setState(StateHTTPFallback)
		p.pollLoop(ctx)
		return
	}

	p.setState(StateWSConnecting)
	client, err := p.connectWS(ctx)
	if err != nil {
		p.log.WithError(err).WithField("stage", "connect").Warn("websocket exhausted retries, falling back to HTTP")
		p.enterHTTPFallback(ctx)
		return
	}

	p.setState(StateWSActive)
	p.wsLoop(ctx, client)
}

// enterHTTPFallback starts the background WS recovery loop and the HTTP
// poll loop sharing one cancelable context, so a successful reconnect can
// stop the poll loop (and its own ticker) in one shot before resuming
// wsLoop under the pipeline's top-level context.
func (p *Pipeline) enterHTTPFallback(ctx context.Context) {
	p.setState(StateHTTPFallback)
	fallbackCtx, fallbackCancel := context.WithCancel(ctx)
	p.startRecoveryLoop(ctx, fallbackCancel)
	p.pollLoop(fallbackCtx)
}

// connectWS attempts up to WSMaxConnectRetries dials, each bounded by
// WSConnectTimeout.
func (p *Pipeline) connectWS(ctx context.Context) (*ethclient.Client, error) {
	retries := p.cfg.WSMaxConnectRetries
	if retries <= 0 {
		retries = 3
	}
	delay := p.cfg.WSConnectRetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	timeout := p.cfg.WSConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		client, err := p.dialAndVerify(dialCtx, p.cfg.WSRPCURL)
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (p *Pipeline) dialAndVerify(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (p *Pipeline) dialHTTP(ctx context.Context) (*ethclient.Client, error) {
	url := p.cfg.RPCURL
	if url == "" {
		url = p.cfg.WSRPCURL
	}
	return ethclient.DialContext(ctx, url)
}

// wsLoop subscribes to RequestStarted logs and delivers them as they arrive.
// A closed subscription counts as a connect failure and re-enters the state
// machine (spec.md §4.2 failure policy).
func (p *Pipeline) wsLoop(ctx context.Context, client *ethclient.Client) {
	defer client.Close()

	logs := make(chan types.Log, 256)
	query := ethereum.FilterQuery{Addresses: []common.Address{p.cfg.CoordinatorAddress}}
	sub, err := client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		p.log.WithError(err).WithField("stage", "connect").Warn("subscribe failed, falling back to HTTP")
		p.enterHTTPFallback(ctx)
		return
	}
	defer sub.Unsubscribe()

	var lastBlock uint64
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err == nil {
				return
			}
			p.log.WithError(err).Warn("websocket subscription closed, re-entering state machine")
			p.enterHTTPFallback(ctx)
			return
		case l := <-logs:
			p.deliver(ctx, l)
			if l.BlockNumber > lastBlock {
				lastBlock = l.BlockNumber
			}
			p.maybeAutosave(lastBlock)
		}
	}
}

// startRecoveryLoop attempts a WS reconnect every WSRecoveryInterval while
// in HTTP_FALLBACK. A successful reconnect fires connection_recovered
// exactly once, calls fallbackCancel to stop the paired poll loop, and
// transitions back to WS_ACTIVE under the pipeline's top-level ctx.
func (p *Pipeline) startRecoveryLoop(ctx context.Context, fallbackCancel context.CancelFunc) {
	if p.cfg.WSRPCURL == "" {
		return
	}
	recoveryCtx, cancel := context.WithCancel(ctx)
	p.recoveryCancel = cancel

	interval := p.cfg.WSRecoveryInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-recoveryCtx.Done():
				return
			case <-ticker.C:
				client, err := p.dialAndVerify(recoveryCtx, p.cfg.WSRPCURL)
				if err != nil {
					continue
				}
				p.log.Info("connection_recovered")
				p.hooks.OnConnectionRecovered()
				cancel()          // stop this recovery loop's own ticker
				fallbackCancel()  // stop the paired poll loop
				p.setState(StateWSActive)
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					p.wsLoop(ctx, client)
				}()
				return
			}
		}
	}()
}

// pollLoop queries (last_polled, current] for new logs every PollingInterval.
func (p *Pipeline) pollLoop(ctx context.Context) {
	interval := p.cfg.PollingInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}

	client, err := p.dialHTTP(ctx)
	if err != nil {
		p.log.WithError(err).Error("poll: dialing HTTP endpoint failed")
		return
	}
	defer client.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.mu.Lock()
	lastPolled := p.lastProcessed
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := client.BlockNumber(ctx)
		if err != nil {
			p.log.WithError(err).Warn("poll: fetching block number failed, continuing")
			continue
		}
		if current <= lastPolled {
			continue
		}

		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(lastPolled + 1),
			ToBlock:   new(big.Int).SetUint64(current),
			Addresses: []common.Address{p.cfg.CoordinatorAddress},
		})
		if err != nil {
			p.log.WithError(err).Warn("poll: filter logs failed, continuing")
			continue
		}

		for _, l := range logs {
			p.deliver(ctx, l)
		}
		lastPolled = current
		p.maybeAutosave(current)
	}
}

// deliver decodes a raw log and hands it to the sink. Malformed logs are
// dropped with a warning and never advance the checkpoint.
func (p *Pipeline) deliver(ctx context.Context, l types.Log) {
	if l.Removed {
		return
	}
	evt, err := p.decoder.Decode(l)
	if err != nil {
		p.log.WithError(err).Warn("dropping malformed RequestStarted log")
		return
	}
	if p.metrics != nil {
		p.metrics.PipelineEventsProcessed.Inc()
	}
	p.sink.Handle(ctx, evt)
}

// maybeAutosave saves a checkpoint whenever the observed block has advanced
// by at least CheckpointSaveBlocks since the last save (spec.md §4.2).
func (p *Pipeline) maybeAutosave(block uint64) {
	p.mu.Lock()
	p.lastProcessed = block
	threshold := p.cfg.CheckpointSaveBlocks
	if threshold == 0 {
		threshold = 10
	}
	shouldSave := block >= p.lastSaved+threshold
	if shouldSave {
		p.lastSaved = block
	}
	p.mu.Unlock()

	if !shouldSave {
		return
	}
	if err := p.store.Save(model.Checkpoint{BlockNumber: block}); err != nil {
		p.log.WithError(err).Error("autosave checkpoint failed")
		return
	}
	if p.metrics != nil {
		p.metrics.PipelineCheckpointBlock.Set(float64(block))
	}
}
