// Package model holds the data types shared across the agent's components:
// subscriptions, requests, commitments, and checkpoints. See §3 of the
// specification for the authoritative definitions.
package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OneTimeInterval is the sentinel interval value meaning "one-time
// subscription" — never subject to the stale-replay guard.
const OneTimeInterval uint32 = ^uint32(0)

// Subscription is the recurring compute order the marketplace schedules.
type Subscription struct {
	ID              uint64
	ContainerID     [32]byte
	Client          common.Address
	Wallet          common.Address
	ActiveAt        int64 // unix seconds
	IntervalSeconds int64 // 0 => on-demand, skipped by the scheduler
	MaxExecutions   uint32
	Redundancy      uint16
	Verifier        *common.Address
	RouteID         string
}

// Scheduled reports whether this subscription recurs on a fixed interval.
func (s Subscription) Scheduled() bool { return s.IntervalSeconds > 0 }

// IntervalAt returns the 1-based interval index active at unix time t.
// Only valid when Scheduled() is true.
func (s Subscription) IntervalAt(t int64) uint32 {
	if t < s.ActiveAt {
		return 0
	}
	return uint32((t-s.ActiveAt)/s.IntervalSeconds) + 1
}

// Bounded reports whether the subscription has a finite number of executions.
func (s Subscription) Bounded() bool { return s.MaxExecutions > 0 }

// Elapsed reports whether interval has moved past MaxExecutions.
func (s Subscription) Elapsed(interval uint32) bool {
	return s.Bounded() && interval > s.MaxExecutions
}

// SubscriptionState is the agent-local runtime view of a tracked subscription.
// It is owned exclusively by the Interval Scheduler.
type SubscriptionState struct {
	Subscription

	CurrentInterval  uint32
	LastProcessedAt  int64 // monotonic-ish wall clock, seconds
	PendingTx        *common.Hash
	TxAttempts       int
}

// Key returns the committed-set key for (sub, interval).
func Key(subID uint64, interval uint32) CommittedKey {
	return CommittedKey{SubscriptionID: subID, Interval: interval}
}

// CommittedKey is the strict tuple form of a committed-interval key.
// Per Design Notes §9, this replaces the reference's "sub_id:interval"
// string key; that string form is produced only when persisting (by the
// checkpoint store).
type CommittedKey struct {
	SubscriptionID uint64
	Interval       uint32
}

// RequestStartedEvent is the atomic unit of work handed to the Request Handler.
type RequestStartedEvent struct {
	RequestID        [32]byte
	SubscriptionID   uint64
	ContainerID      [32]byte
	Interval         uint32
	Redundancy       uint16
	UseDeliveryInbox bool
	FeeAmount        *big.Int
	FeeToken         common.Address
	Verifier         *common.Address
	Coordinator      common.Address
	WalletAddress    common.Address
	ClientAddress    common.Address
	BlockNumber      uint64
}

// Commitment is the bundle signed alongside a result. Its ABI-encoded form
// is produced by the chain collaborator (internal/chain), not here — the
// field order is fixed there, in chain.CommitmentABI.
type Commitment struct {
	RequestID      [32]byte
	SubscriptionID uint64
	ContainerID    [32]byte
	Interval       uint32
	RequireProof   bool
	Redundancy     uint16
	Verifier       common.Address
	FeeAmount      *big.Int
	FeeToken       common.Address
	Coordinator    common.Address
	Wallet         common.Address
}

// Checkpoint is the durable event-pipeline cursor.
type Checkpoint struct {
	BlockNumber uint64
	BlockHash   *common.Hash
	Timestamp   *int64
}

// InputType enumerates the encoding of inputs returned by getComputeInputs.
type InputType uint8

const (
	InputRaw InputType = iota
	InputURIString
	InputPayload
)

// PayloadEnvelope references input/output/proof data either inline or via
// an external store.
type PayloadEnvelope struct {
	ContentHash [32]byte
	URI         []byte
}
