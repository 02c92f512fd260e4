package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/hpp-io/noosphere-agent/internal/chain"
	"github.com/hpp-io/noosphere-agent/internal/checkpoint"
	"github.com/hpp-io/noosphere-agent/internal/model"
)

type fakeRouter struct {
	subs      map[uint64]model.Subscription
	intervals map[uint64]uint32
	intervalErr map[uint64]error
	lastID    uint64
}

func (f *fakeRouter) GetComputeSubscription(ctx context.Context, subID uint64) (model.Subscription, error) {
	sub, ok := f.subs[subID]
	if !ok {
		return model.Subscription{}, chain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (f *fakeRouter) GetComputeSubscriptionInterval(ctx context.Context, subID uint64) (uint32, error) {
	if err, ok := f.intervalErr[subID]; ok {
		return 0, err
	}
	iv, ok := f.intervals[subID]
	if !ok {
		return 0, chain.ErrSubscriptionNotFound
	}
	return iv, nil
}

func (f *fakeRouter) GetLastSubscriptionID(ctx context.Context) (uint64, error) {
	return f.lastID, nil
}

func (f *fakeRouter) GetSubscriptionBatchReader(ctx context.Context) (common.Address, error) {
	return common.Address{1}, nil
}

type fakeBatchReader struct {
	subs map[uint64]model.Subscription
}

func (f *fakeBatchReader) GetSubscriptions(ctx context.Context, start, end uint64) ([]model.Subscription, error) {
	var out []model.Subscription
	for id := start; id <= end; id++ {
		if sub, ok := f.subs[id]; ok {
			out = append(out, sub)
		}
	}
	return out, nil
}

type fakeCoordinator struct {
	prepareErr   error
	prepareCalls int
}

func (f *fakeCoordinator) RedundancyCount(ctx context.Context, requestID [32]byte) (uint16, error) {
	return 0, nil
}

func (f *fakeCoordinator) PrepareNextInterval(ctx context.Context, subID uint64, interval uint32, wallet common.Address) (*types.Receipt, error) {
	f.prepareCalls++
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeCoordinator) ReportComputeResult(ctx context.Context, interval uint32, input, output, proof model.PayloadEnvelope, commitment []byte, nodeWallet common.Address) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func newTestScheduler(t *testing.T, router *fakeRouter, batch *fakeBatchReader, coord *fakeCoordinator) *Scheduler {
	t.Helper()
	store := checkpoint.NewMemStore()
	sched, err := NewBuilder().
		WithRouter(router).
		WithCoordinator(coord).
		WithBatchReader(batch).
		WithCheckpointStore(store).
		WithConfig(Config{
			SyncPeriod:       time.Hour,
			CronInterval:     time.Hour,
			MaxRetryAttempts: 3,
			StaleTxAge:       5 * time.Minute,
			SyncBatchSize:    100,
		}).
		Build(context.Background())
	require.NoError(t, err)
	return sched
}

func TestTrackAndUntrackAreIdempotent(t *testing.T) {
	sched := newTestScheduler(t, &fakeRouter{}, &fakeBatchReader{}, &fakeCoordinator{})

	state := model.SubscriptionState{Subscription: model.Subscription{ID: 1, IntervalSeconds: 10}}
	sched.Track(state)
	sched.Track(state)
	require.Equal(t, 1, sched.Stats().Tracked)

	sched.Untrack(1, "done")
	sched.Untrack(1, "done")
	require.Equal(t, 0, sched.Stats().Tracked)
}

func TestSyncTickTracksQualifyingSubscriptions(t *testing.T) {
	sub := model.Subscription{
		ID:              5,
		ContainerID:     [32]byte{1},
		Client:          common.Address{2},
		ActiveAt:        time.Now().Unix() - 100,
		IntervalSeconds: 60,
		MaxExecutions:   10,
	}
	router := &fakeRouter{lastID: 5}
	batch := &fakeBatchReader{subs: map[uint64]model.Subscription{5: sub}}
	sched := newTestScheduler(t, router, batch, &fakeCoordinator{})

	n, err := sched.syncTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, sched.Stats().Tracked)
}

func TestSyncTickSkipsZeroContainer(t *testing.T) {
	sub := model.Subscription{ID: 1, Client: common.Address{1}, IntervalSeconds: 60}
	router := &fakeRouter{lastID: 1}
	batch := &fakeBatchReader{subs: map[uint64]model.Subscription{1: sub}}
	sched := newTestScheduler(t, router, batch, &fakeCoordinator{})

	n, err := sched.syncTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestReconcileMarksCommittedOnArithmeticError(t *testing.T) {
	router := &fakeRouter{
		intervalErr: map[uint64]error{1: chain.ErrArithmetic},
	}
	sched := newTestScheduler(t, router, &fakeBatchReader{}, &fakeCoordinator{})
	sched.Track(model.SubscriptionState{Subscription: model.Subscription{ID: 1, IntervalSeconds: 60}})

	sched.reconcileOne(context.Background(), 1)

	require.True(t, sched.committed.Has(model.Key(1, 1)))
}

func TestReconcileUntracksOnSubscriptionNotFound(t *testing.T) {
	router := &fakeRouter{}
	sched := newTestScheduler(t, router, &fakeBatchReader{}, &fakeCoordinator{})
	sched.Track(model.SubscriptionState{Subscription: model.Subscription{ID: 9, IntervalSeconds: 60}})

	sched.reconcileOne(context.Background(), 9)

	require.Equal(t, 0, sched.Stats().Tracked)
}

func TestPrepareSuccessMarksCommittedAndResetsAttempts(t *testing.T) {
	past := time.Now().Unix() - 100
	router := &fakeRouter{intervals: map[uint64]uint32{1: 0}}
	coord := &fakeCoordinator{}
	sched := newTestScheduler(t, router, &fakeBatchReader{}, coord)
	sched.Track(model.SubscriptionState{
		Subscription: model.Subscription{ID: 1, IntervalSeconds: 60, ActiveAt: past, MaxExecutions: 10},
		TxAttempts:   2,
	})

	sched.reconcileOne(context.Background(), 1)

	require.Equal(t, 1, coord.prepareCalls)
	require.True(t, sched.committed.Has(model.Key(1, 0)))
	st, ok := sched.getState(1)
	require.True(t, ok)
	require.Equal(t, 0, st.TxAttempts)
}

func TestPruneStaleTxClearsOldPendingTx(t *testing.T) {
	sched := newTestScheduler(t, &fakeRouter{}, &fakeBatchReader{}, &fakeCoordinator{})
	h := common.HexToHash("0x1")
	sched.Track(model.SubscriptionState{
		Subscription:    model.Subscription{ID: 1, IntervalSeconds: 60},
		PendingTx:       &h,
		LastProcessedAt: time.Now().Unix() - int64((10 * time.Minute).Seconds()),
	})

	sched.pruneStaleTx()

	st, ok := sched.getState(1)
	require.True(t, ok)
	require.Nil(t, st.PendingTx)
	require.Equal(t, 0, st.TxAttempts)
}
