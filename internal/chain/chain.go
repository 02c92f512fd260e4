// Package chain defines the collaborator interfaces the core uses to talk
// to the router, coordinator, and client contracts (spec.md §6), plus the
// canonical hashing/ABI helpers that are the one bit-exact surface of the
// system. Implementations wrap go-ethereum's ethclient/abi/bind packages,
// the same stack used for chain access throughout the example pack
// (other_examples' chain watcher, the ethereum-go-ethereum teacher repo).
package chain

import (
	"context"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

// RouterClient is the read-side collaborator backing subscription lookups.
type RouterClient interface {
	GetComputeSubscription(ctx context.Context, subID uint64) (model.Subscription, error)
	GetComputeSubscriptionInterval(ctx context.Context, subID uint64) (uint32, error)
	GetLastSubscriptionID(ctx context.Context) (uint64, error)
	GetSubscriptionBatchReader(ctx context.Context) (common.Address, error)
}

// BatchReader resolves ranges of subscriptions in one round trip, used by
// the scheduler's sync timer (spec.md §4.4).
type BatchReader interface {
	GetSubscriptions(ctx context.Context, start, end uint64) ([]model.Subscription, error)
}

// CoordinatorClient is the write-side collaborator for prepare/fulfill.
type CoordinatorClient interface {
	RedundancyCount(ctx context.Context, requestID [32]byte) (uint16, error)
	PrepareNextInterval(ctx context.Context, subID uint64, interval uint32, wallet common.Address) (*types.Receipt, error)
	ReportComputeResult(ctx context.Context, interval uint32, input, output, proof model.PayloadEnvelope, commitment []byte, nodeWallet common.Address) (*types.Receipt, error)
}

// ClientContract resolves compute inputs for a given (sub, interval).
type ClientContract interface {
	GetComputeInputs(ctx context.Context, subID uint64, interval uint32, timestamp int64, caller common.Address) ([]byte, model.InputType, error)
}

// RequestID computes keccak256(pack_be(sub_id: u64, interval: u32)),
// the canonical form specified by spec.md §6 (following the
// storage-scheduler copy of the two incompatible reference implementations —
// see DESIGN.md for the ambiguity this resolves).
func RequestID(subID uint64, interval uint32) [32]byte {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], subID)
	binary.BigEndian.PutUint32(buf[8:12], interval)
	return crypto.Keccak256Hash(buf[:]).Data()
}

// ContainerIDHash computes keccak256(abi_encode(string name)), used to
// reconcile config-declared container names with on-chain 32-byte ids.
func ContainerIDHash(name string) ([32]byte, error) {
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		return [32]byte{}, err
	}
	args := abi.Arguments{{Type: stringTy}}
	packed, err := args.Pack(name)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Keccak256Hash(packed).Data(), nil
}

// CommitmentABI is the fixed-order ABI layout from spec.md §6:
//
//	bytes32, uint64, bytes32, uint32, bool, uint16, address, uint256, address, address, address
//
// The field order is not carried by Go struct tags; it is fixed in this one
// place, by the abi.Arguments below and the argument order of
// EncodeCommitment, which must change together for a different layout.
var CommitmentABI = mustCommitmentArgs()

func mustCommitmentArgs() abi.Arguments {
	mk := func(t string) abi.Type {
		ty, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		return ty
	}
	return abi.Arguments{
		{Type: mk("bytes32")},
		{Type: mk("uint64")},
		{Type: mk("bytes32")},
		{Type: mk("uint32")},
		{Type: mk("bool")},
		{Type: mk("uint16")},
		{Type: mk("address")},
		{Type: mk("uint256")},
		{Type: mk("address")},
		{Type: mk("address")},
		{Type: mk("address")},
	}
}

// EncodeCommitment ABI-encodes a Commitment in the fixed field order.
func EncodeCommitment(c model.Commitment) ([]byte, error) {
	fee := c.FeeAmount
	if fee == nil {
		fee = big.NewInt(0)
	}
	return CommitmentABI.Pack(
		c.RequestID,
		c.SubscriptionID,
		c.ContainerID,
		c.Interval,
		c.RequireProof,
		c.Redundancy,
		c.Verifier,
		fee,
		c.FeeToken,
		c.Coordinator,
		c.Wallet,
	)
}

// PayloadEnvelopeABI is the ABI layout of (bytes32 content_hash, bytes uri).
var PayloadEnvelopeABI = mustPayloadEnvelopeArgs()

func mustPayloadEnvelopeArgs() abi.Arguments {
	hashTy, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	bytesTy, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: hashTy}, {Type: bytesTy}}
}

// EncodePayloadEnvelope ABI-encodes a PayloadEnvelope.
func EncodePayloadEnvelope(p model.PayloadEnvelope) ([]byte, error) {
	return PayloadEnvelopeABI.Pack(p.ContentHash, p.URI)
}
