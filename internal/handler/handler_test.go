package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/hpp-io/noosphere-agent/internal/model"
	"github.com/hpp-io/noosphere-agent/internal/payload"
)

func TestPriorityDelayIsDeterministicAndBounded(t *testing.T) {
	reqID := [32]byte{1, 2, 3}
	wallet := common.HexToAddress("0xabc")

	d1 := priorityDelay(reqID, wallet, 1, time.Second, 200*time.Millisecond)
	d2 := priorityDelay(reqID, wallet, 1, time.Second, 200*time.Millisecond)
	require.Equal(t, d1, d2)
	require.True(t, d1 >= 0 && d1 < time.Second)

	multi := priorityDelay(reqID, wallet, 3, time.Second, 200*time.Millisecond)
	require.True(t, multi >= 0 && multi < 200*time.Millisecond)
}

func TestPriorityDelayVariesByRequestID(t *testing.T) {
	wallet := common.HexToAddress("0xabc")
	d1 := priorityDelay([32]byte{1}, wallet, 2, time.Second, 200*time.Millisecond)
	d2 := priorityDelay([32]byte{2}, wallet, 2, time.Second, 200*time.Millisecond)
	require.NotEqual(t, d1, d2)
}

type fakeResolver struct {
	known map[[32]byte]string
}

func (f fakeResolver) ResolveContainer(id [32]byte) (string, bool) {
	name, ok := f.known[id]
	return name, ok
}

type fakeSupervisor struct {
	called bool
}

func (f *fakeSupervisor) Run(ctx context.Context, name string, input json.RawMessage, timeout time.Duration, retries int, delay time.Duration) (json.RawMessage, json.RawMessage, error) {
	f.called = true
	return json.RawMessage(`{"ok":true}`), nil, nil
}

type fakeScheduler struct{ marked bool }

func (f *fakeScheduler) MarkCommitted(subID uint64, interval uint32) { f.marked = true }

type fakeWallets struct{}

func (fakeWallets) GetPaymentWallet(subID uint64) (common.Address, error) {
	return common.HexToAddress("0x1"), nil
}

type fakeCoordinator struct{}

func (fakeCoordinator) RedundancyCount(ctx context.Context, requestID [32]byte) (uint16, error) {
	return 0, nil
}
func (fakeCoordinator) PrepareNextInterval(ctx context.Context, subID uint64, interval uint32, wallet common.Address) (*types.Receipt, error) {
	return nil, nil
}
func (fakeCoordinator) ReportComputeResult(ctx context.Context, interval uint32, input, output, proof model.PayloadEnvelope, commitment []byte, nodeWallet common.Address) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type fakeClientContract struct{}

func (fakeClientContract) GetComputeInputs(ctx context.Context, subID uint64, interval uint32, ts int64, caller common.Address) ([]byte, model.InputType, error) {
	return []byte(`{"x":1}`), model.InputRaw, nil
}

type fakeIntervalSource struct {
	current uint32
	err     error
}

func (f fakeIntervalSource) GetComputeSubscriptionInterval(ctx context.Context, subID uint64) (uint32, error) {
	return f.current, f.err
}

func TestHandleSkipsUnsupportedContainer(t *testing.T) {
	sup := &fakeSupervisor{}
	h := New(
		fakeResolver{known: map[[32]byte]string{}},
		sup,
		&fakeScheduler{},
		fakeWallets{},
		fakeCoordinator{},
		fakeClientContract{},
		nil,
		payload.NewCodec(payload.NewMemStore(), 4096),
		nil, nil, nil,
		DefaultConfig(),
		common.Address{},
	)

	h.Handle(context.Background(), model.RequestStartedEvent{RequestID: [32]byte{9}})
	// no panic, no supervisor call
	require.False(t, sup.called)
}

func TestHandleDispatchesSupportedContainer(t *testing.T) {
	cid := [32]byte{7}
	sup := &fakeSupervisor{}
	sched := &fakeScheduler{}
	h := New(
		fakeResolver{known: map[[32]byte]string{cid: "echo"}},
		sup,
		sched,
		fakeWallets{},
		fakeCoordinator{},
		fakeClientContract{},
		nil,
		payload.NewCodec(payload.NewMemStore(), 4096),
		nil, nil, nil,
		Config{InvocationTimeout: time.Second, ConnectRetries: 1, ConnectRetryDelay: time.Millisecond, InlineThreshold: 4096},
		common.Address{},
	)

	h.Handle(context.Background(), model.RequestStartedEvent{RequestID: [32]byte{42}, ContainerID: cid, Redundancy: 1})

	require.True(t, sup.called)
	require.True(t, sched.marked)
}

func TestHandleDedupsInFlightRequest(t *testing.T) {
	cid := [32]byte{7}
	sup := &fakeSupervisor{}
	h := New(
		fakeResolver{known: map[[32]byte]string{cid: "echo"}},
		sup,
		&fakeScheduler{},
		fakeWallets{},
		fakeCoordinator{},
		fakeClientContract{},
		nil,
		payload.NewCodec(payload.NewMemStore(), 4096),
		nil, nil, nil,
		DefaultConfig(),
		common.Address{},
	)

	reqID := [32]byte{5}
	h.inFlight.Store(hexKey(reqID), struct{}{})
	h.Handle(context.Background(), model.RequestStartedEvent{RequestID: reqID, ContainerID: cid})
	require.False(t, sup.called)
}

func TestHandleSkipsStaleReplay(t *testing.T) {
	cid := [32]byte{7}
	sup := &fakeSupervisor{}
	sched := &fakeScheduler{}
	h := New(
		fakeResolver{known: map[[32]byte]string{cid: "echo"}},
		sup,
		sched,
		fakeWallets{},
		fakeCoordinator{},
		fakeClientContract{},
		fakeIntervalSource{current: 10},
		payload.NewCodec(payload.NewMemStore(), 4096),
		nil, nil, nil,
		DefaultConfig(),
		common.Address{},
	)

	h.Handle(context.Background(), model.RequestStartedEvent{RequestID: [32]byte{42}, ContainerID: cid, Interval: 1, Redundancy: 1})

	require.False(t, sup.called)
	require.False(t, sched.marked)
}

func TestHandleProcessesWithinStaleWindow(t *testing.T) {
	cid := [32]byte{7}
	sup := &fakeSupervisor{}
	sched := &fakeScheduler{}
	h := New(
		fakeResolver{known: map[[32]byte]string{cid: "echo"}},
		sup,
		sched,
		fakeWallets{},
		fakeCoordinator{},
		fakeClientContract{},
		fakeIntervalSource{current: 3},
		payload.NewCodec(payload.NewMemStore(), 4096),
		nil, nil, nil,
		Config{InvocationTimeout: time.Second, ConnectRetries: 1, ConnectRetryDelay: time.Millisecond, InlineThreshold: 4096},
		common.Address{},
	)

	h.Handle(context.Background(), model.RequestStartedEvent{RequestID: [32]byte{42}, ContainerID: cid, Interval: 1, Redundancy: 1})

	require.True(t, sup.called)
	require.True(t, sched.marked)
}

func TestHandleOneTimeIntervalExemptFromStaleCheck(t *testing.T) {
	cid := [32]byte{7}
	sup := &fakeSupervisor{}
	sched := &fakeScheduler{}
	h := New(
		fakeResolver{known: map[[32]byte]string{cid: "echo"}},
		sup,
		sched,
		fakeWallets{},
		fakeCoordinator{},
		fakeClientContract{},
		fakeIntervalSource{current: 100},
		payload.NewCodec(payload.NewMemStore(), 4096),
		nil, nil, nil,
		Config{InvocationTimeout: time.Second, ConnectRetries: 1, ConnectRetryDelay: time.Millisecond, InlineThreshold: 4096},
		common.Address{},
	)

	h.Handle(context.Background(), model.RequestStartedEvent{RequestID: [32]byte{42}, ContainerID: cid, Interval: model.OneTimeInterval, Redundancy: 1})

	require.True(t, sup.called)
}

func hexKey(id [32]byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range id {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0xf]
	}
	return string(out)
}
