// Package handler implements the Request Handler / Agent Orchestrator
// (spec.md §4.5): it receives RequestStarted events (pushed by the Event
// Pipeline or synthesized by the Interval Scheduler), decides whether to
// act, resolves inputs, invokes the right container, and submits the
// result back on-chain.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hpp-io/noosphere-agent/internal/chain"
	"github.com/hpp-io/noosphere-agent/internal/hooks"
	"github.com/hpp-io/noosphere-agent/internal/metrics"
	"github.com/hpp-io/noosphere-agent/internal/model"
	"github.com/hpp-io/noosphere-agent/internal/payload"
)

// ContainerResolver maps an on-chain container id to the locally configured
// name the Container Supervisor knows it by, reporting whether this agent
// handles it at all. Deliberately an inline-callback-or-config-map
// collaborator, not a registry the handler owns (spec.md §4.5, Design
// Notes §9).
type ContainerResolver interface {
	ResolveContainer(id [32]byte) (name string, ok bool)
}

// ContainerResolverFunc adapts a function to ContainerResolver.
type ContainerResolverFunc func(id [32]byte) (string, bool)

func (f ContainerResolverFunc) ResolveContainer(id [32]byte) (string, bool) { return f(id) }

// Supervisor is the subset of the Container Supervisor the handler drives.
type Supervisor interface {
	Run(ctx context.Context, containerName string, input json.RawMessage, timeout time.Duration, connectRetries int, retryDelay time.Duration) (output, proof json.RawMessage, err error)
}

// Scheduler is the subset of the Interval Scheduler the handler reports
// commitments back to.
type Scheduler interface {
	MarkCommitted(subID uint64, interval uint32)
}

// IntervalSource resolves a subscription's current on-chain interval,
// used by the stale-replay guard (spec.md §4.5 step 4).
type IntervalSource interface {
	GetComputeSubscriptionInterval(ctx context.Context, subID uint64) (uint32, error)
}

// Wallets resolves the payment wallet to present for a subscription.
type Wallets interface {
	GetPaymentWallet(subID uint64) (common.Address, error)
}

// IsProcessedFunc lets the host veto work already handled out-of-band
// (e.g. recovered from an external ledger). Returning true skips the event.
type IsProcessedFunc func(requestID [32]byte) bool

// Config holds the handler's tunables (spec.md §6).
type Config struct {
	InvocationTimeout time.Duration
	ConnectRetries    int
	ConnectRetryDelay time.Duration
	InlineThreshold   int
	SingleRedundancyMaxDelay time.Duration // priority back-off cap when redundancy == 1
	MultiRedundancyMaxDelay  time.Duration // priority back-off cap when redundancy > 1
}

func DefaultConfig() Config {
	return Config{
		InvocationTimeout:        180 * time.Second,
		ConnectRetries:           5,
		ConnectRetryDelay:        3 * time.Second,
		InlineThreshold:          1024,
		SingleRedundancyMaxDelay: time.Second,
		MultiRedundancyMaxDelay:  200 * time.Millisecond,
	}
}

// Handler is the Request Handler / Agent Orchestrator.
type Handler struct {
	containers  ContainerResolver
	supervisor  Supervisor
	scheduler   Scheduler
	wallets     Wallets
	coordinator chain.CoordinatorClient
	clientContr chain.ClientContract
	intervals   IntervalSource
	codec       *payload.Codec
	isProcessed IsProcessedFunc
	hooks       hooks.AgentHooks
	log         logrus.FieldLogger
	metrics     *metrics.Registry
	cfg         Config
	agentWallet common.Address

	inFlight sync.Map // requestID hex string -> struct{}
}

// New constructs a Handler. agentWallet is used only to compute the
// deterministic priority back-off; the per-submission wallet comes from
// Wallets.
func New(
	containers ContainerResolver,
	supervisor Supervisor,
	scheduler Scheduler,
	wallets Wallets,
	coordinator chain.CoordinatorClient,
	clientContract chain.ClientContract,
	intervals IntervalSource,
	codec *payload.Codec,
	h hooks.AgentHooks,
	log logrus.FieldLogger,
	m *metrics.Registry,
	cfg Config,
	agentWallet common.Address,
) *Handler {
	if h == nil {
		h = hooks.NoopHooks{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		containers:  containers,
		supervisor:  supervisor,
		scheduler:   scheduler,
		wallets:     wallets,
		coordinator: coordinator,
		clientContr: clientContract,
		intervals:   intervals,
		codec:       codec,
		isProcessed: func([32]byte) bool { return false },
		hooks:       h,
		log:         log.WithField("component", "handler"),
		metrics:     m,
		cfg:         cfg,
		agentWallet: agentWallet,
	}
}

// WithIsProcessed installs a host-provided idempotency check.
func (h *Handler) WithIsProcessed(fn IsProcessedFunc) *Handler {
	if fn != nil {
		h.isProcessed = fn
	}
	return h
}

// Handle implements pipeline.Sink and scheduler.SynthesizedSink: the single
// entry point for a RequestStarted event, whatever produced it.
func (h *Handler) Handle(ctx context.Context, evt model.RequestStartedEvent) {
	cid := uuid.NewString()
	log := h.log.WithField("correlation_id", cid).WithField("request_id", fmt.Sprintf("%x", evt.RequestID))

	h.hooks.OnRequestStarted(evt)

	name, ok := h.containers.ResolveContainer(evt.ContainerID)
	if !ok {
		h.skip(log, evt.RequestID, "container not supported by this agent")
		return
	}

	if h.isProcessed(evt.RequestID) {
		h.skip(log, evt.RequestID, "already processed")
		return
	}

	key := fmt.Sprintf("%x", evt.RequestID)
	if _, loaded := h.inFlight.LoadOrStore(key, struct{}{}); loaded {
		h.skip(log, evt.RequestID, "already in flight")
		return
	}
	defer h.inFlight.Delete(key)

	if h.metrics != nil {
		h.metrics.HandlerInFlight.Inc()
		defer h.metrics.HandlerInFlight.Dec()
	}

	if h.isStaleReplay(ctx, evt) {
		h.skip(log, evt.RequestID, "stale replay")
		return
	}

	// Step 5 (spec.md §4.5): mark committed before the priority back-off so
	// the scheduler's cron tick can't observe this (sub, interval) as
	// uncommitted and issue a duplicate PrepareNextInterval while this call
	// is still in flight.
	h.scheduler.MarkCommitted(evt.SubscriptionID, evt.Interval)

	h.process(ctx, log, evt, name)
}

// isStaleReplay guards against processing a RequestStarted log whose
// interval the subscription has moved more than two intervals past (spec.md
// §4.5 step 4: "skip when current > event.interval + 2"). One-time
// subscriptions (interval == model.OneTimeInterval) are exempt. A failure
// to resolve the current interval is not treated as stale — the event is
// processed rather than silently dropped on a transient RPC error.
func (h *Handler) isStaleReplay(ctx context.Context, evt model.RequestStartedEvent) bool {
	if evt.Interval == model.OneTimeInterval || h.intervals == nil {
		return false
	}
	current, err := h.intervals.GetComputeSubscriptionInterval(ctx, evt.SubscriptionID)
	if err != nil {
		return false
	}
	return current > evt.Interval+2
}

func (h *Handler) skip(log logrus.FieldLogger, requestID [32]byte, reason string) {
	h.hooks.OnRequestSkipped(requestID, reason)
	if h.metrics != nil {
		h.metrics.HandlerRequestsTotal.WithLabelValues("skipped").Inc()
	}
	log.Debug(reason)
}

func (h *Handler) process(ctx context.Context, log logrus.FieldLogger, evt model.RequestStartedEvent, containerName string) {
	delay := priorityDelay(evt.RequestID, h.agentWallet, evt.Redundancy, h.cfg.SingleRedundancyMaxDelay, h.cfg.MultiRedundancyMaxDelay)
	if h.metrics != nil {
		h.metrics.HandlerPriorityDelay.Observe(delay.Seconds())
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if evt.Redundancy > 0 {
		count, err := h.coordinator.RedundancyCount(ctx, evt.RequestID)
		if err == nil && uint16(count) >= evt.Redundancy {
			h.skip(log, evt.RequestID, "redundancy already satisfied")
			return
		}
	}

	input, err := h.resolveInputs(ctx, evt)
	if err != nil {
		h.fail(evt, fmt.Sprintf("resolving inputs: %v", err), nil)
		return
	}

	output, proof, err := h.supervisor.Run(ctx, containerName, input, h.cfg.InvocationTimeout, h.cfg.ConnectRetries, h.cfg.ConnectRetryDelay)
	if err != nil {
		h.fail(evt, fmt.Sprintf("container invocation: %v", err), nil)
		return
	}

	log.Info("container invocation succeeded")
	h.submitResult(ctx, evt, output, proof)
}

func (h *Handler) resolveInputs(ctx context.Context, evt model.RequestStartedEvent) (json.RawMessage, error) {
	ctx = chain.WithClientAddress(ctx, evt.ClientAddress)
	raw, inputType, err := h.clientContr.GetComputeInputs(ctx, evt.SubscriptionID, evt.Interval, time.Now().Unix(), evt.WalletAddress)
	if err != nil {
		return nil, err
	}

	switch inputType {
	case model.InputRaw:
		return json.RawMessage(raw), nil
	case model.InputURIString:
		return json.Marshal(map[string]string{"uri": string(raw)})
	case model.InputPayload:
		var env model.PayloadEnvelope
		args, decErr := chain.PayloadEnvelopeABI.Unpack(raw)
		if decErr != nil {
			return nil, fmt.Errorf("decoding payload envelope: %w", decErr)
		}
		if len(args) == 2 {
			if h, ok := args[0].([32]byte); ok {
				env.ContentHash = h
			}
			if u, ok := args[1].([]byte); ok {
				env.URI = u
			}
		}
		content, _, err := h.codec.Resolve(env)
		if err != nil {
			return nil, fmt.Errorf("resolving payload: %w", err)
		}
		return content, nil
	default:
		return nil, fmt.Errorf("unknown input type %d", inputType)
	}
}

func (h *Handler) submitResult(ctx context.Context, evt model.RequestStartedEvent, output, proofOutput json.RawMessage) {
	wallet, err := h.wallets.GetPaymentWallet(evt.SubscriptionID)
	if err != nil {
		h.fail(evt, fmt.Sprintf("resolving payment wallet: %v", err), nil)
		return
	}

	outputEnv, err := h.codec.Encode(output, false)
	if err != nil {
		h.fail(evt, fmt.Sprintf("encoding output: %v", err), nil)
		return
	}

	var proofEnv model.PayloadEnvelope
	requireProof := evt.Verifier != nil
	if requireProof {
		proofEnv, err = h.codec.Encode(proofOutput, false)
		if err != nil {
			h.fail(evt, fmt.Sprintf("encoding proof: %v", err), nil)
			return
		}
	}

	verifier := common.Address{}
	if evt.Verifier != nil {
		verifier = *evt.Verifier
	}
	commitment := model.Commitment{
		RequestID:      evt.RequestID,
		SubscriptionID: evt.SubscriptionID,
		ContainerID:    evt.ContainerID,
		Interval:       evt.Interval,
		RequireProof:   requireProof,
		Redundancy:     evt.Redundancy,
		Verifier:       verifier,
		FeeAmount:      defaultBigInt(evt.FeeAmount),
		FeeToken:       evt.FeeToken,
		Coordinator:    evt.Coordinator,
		Wallet:         wallet,
	}
	encoded, err := chain.EncodeCommitment(commitment)
	if err != nil {
		h.fail(evt, fmt.Sprintf("encoding commitment: %v", err), nil)
		return
	}

	receipt, err := h.coordinator.ReportComputeResult(ctx, evt.Interval, model.PayloadEnvelope{}, outputEnv, proofEnv, encoded, wallet)
	if err != nil {
		if chain.IsNonceUsed(err.Error()) {
			// Another attempt already landed; not a failure worth reporting.
			return
		}
		h.fail(evt, fmt.Sprintf("submitting result: %v", err), nil)
		return
	}

	if receipt.Status == 0 {
		h.fail(evt, "transaction reverted", &receipt.TxHash)
		return
	}

	h.hooks.OnComputeDelivered(evt.RequestID, receipt.TxHash, receipt.GasUsed)
	if h.metrics != nil {
		h.metrics.HandlerRequestsTotal.WithLabelValues("delivered").Inc()
	}
}

func (h *Handler) fail(evt model.RequestStartedEvent, message string, txHash *common.Hash) {
	h.hooks.OnRequestFailed(evt.RequestID, message, txHash)
	if h.metrics != nil {
		h.metrics.HandlerRequestsTotal.WithLabelValues("failed").Inc()
	}
	h.log.WithField("request_id", fmt.Sprintf("%x", evt.RequestID)).Warn(message)
}

func defaultBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// priorityDelay computes a deterministic submission delay from
// keccak256(request_id || agent_wallet)[0:4], scaled into [0, maxDelay].
// Subscriptions with redundancy == 1 have no competing agent and use a
// wider window (spreads load across many one-shot jobs); redundancy > 1
// uses a narrow window so the fastest correct agent still wins quickly
// (spec.md §4.5 "priority back-off").
func priorityDelay(requestID [32]byte, agentWallet common.Address, redundancy uint16, singleMax, multiMax time.Duration) time.Duration {
	buf := make([]byte, 0, 32+20)
	buf = append(buf, requestID[:]...)
	buf = append(buf, agentWallet.Bytes()...)
	digest := crypto.Keccak256(buf)

	n := uint32(digest[0])<<24 | uint32(digest[1])<<16 | uint32(digest[2])<<8 | uint32(digest[3])
	frac := float64(n) / float64(^uint32(0))

	maxDelay := multiMax
	if redundancy <= 1 {
		maxDelay = singleMax
	}
	return time.Duration(frac * float64(maxDelay))
}
