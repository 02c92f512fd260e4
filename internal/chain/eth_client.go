package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

// Signer produces TransactOpts for sending transactions. The wallet key
// material behind it is the keystore collaborator's concern (spec.md §6);
// this package only ever sees an opaque signer, never plaintext keys.
type Signer interface {
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// RouterABI and CoordinatorABI are parsed once from the JSON fragments the
// deployment provides. No field order is hard-coded in Go structs beyond
// what CommitmentABI already fixes per spec.md §6 — the rest is resolved
// dynamically through these parsed ABIs (spec.md §9: "no literal field
// order should be hard-coded in the core").
type EthRouter struct {
	client *ethclient.Client
	abi    abi.ABI
	addr   common.Address
}

func NewEthRouter(client *ethclient.Client, addr common.Address, abiJSON string) (*EthRouter, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing router ABI: %w", err)
	}
	return &EthRouter{client: client, abi: parsed, addr: addr}, nil
}

func (r *EthRouter) call(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	bc := bind.NewBoundContract(r.addr, r.abi, r.client, r.client, r.client)
	var results []interface{}
	if out != nil {
		results = []interface{}{out}
	}
	return bc.Call(&bind.CallOpts{Context: ctx}, &results, method, args...)
}

func (r *EthRouter) GetComputeSubscription(ctx context.Context, subID uint64) (model.Subscription, error) {
	var raw struct {
		ContainerID     [32]byte
		Client          common.Address
		Wallet          common.Address
		ActiveAt        *big.Int
		IntervalSeconds *big.Int
		MaxExecutions   *big.Int
		Redundancy      uint16
		Verifier        common.Address
		RouteID         string
	}
	if err := r.call(ctx, &raw, "getComputeSubscription", subID); err != nil {
		if isNotFound(err) {
			return model.Subscription{}, ErrSubscriptionNotFound
		}
		return model.Subscription{}, err
	}
	sub := model.Subscription{
		ID:              subID,
		ContainerID:     raw.ContainerID,
		Client:          raw.Client,
		Wallet:          raw.Wallet,
		ActiveAt:        raw.ActiveAt.Int64(),
		IntervalSeconds: raw.IntervalSeconds.Int64(),
		MaxExecutions:   uint32(raw.MaxExecutions.Uint64()),
		Redundancy:      raw.Redundancy,
		RouteID:         raw.RouteID,
	}
	if raw.Verifier != (common.Address{}) {
		v := raw.Verifier
		sub.Verifier = &v
	}
	return sub, nil
}

func (r *EthRouter) GetComputeSubscriptionInterval(ctx context.Context, subID uint64) (uint32, error) {
	var interval *big.Int
	if err := r.call(ctx, &interval, "getComputeSubscriptionInterval", subID); err != nil {
		if isNotFound(err) {
			return 0, ErrSubscriptionNotFound
		}
		if isArithmetic(err) {
			return 0, ErrArithmetic
		}
		return 0, err
	}
	return uint32(interval.Uint64()), nil
}

func (r *EthRouter) GetLastSubscriptionID(ctx context.Context) (uint64, error) {
	var id *big.Int
	if err := r.call(ctx, &id, "getLastSubscriptionId"); err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

func (r *EthRouter) GetSubscriptionBatchReader(ctx context.Context) (common.Address, error) {
	var addr common.Address
	if err := r.call(ctx, &addr, "getSubscriptionBatchReader"); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// EthBatchReader wraps the batch-reader contract (spec.md §6).
type EthBatchReader struct {
	client *ethclient.Client
	abi    abi.ABI
	addr   common.Address
}

func NewEthBatchReader(client *ethclient.Client, addr common.Address, abiJSON string) (*EthBatchReader, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing batch reader ABI: %w", err)
	}
	return &EthBatchReader{client: client, abi: parsed, addr: addr}, nil
}

func (b *EthBatchReader) GetSubscriptions(ctx context.Context, start, end uint64) ([]model.Subscription, error) {
	bc := bind.NewBoundContract(b.addr, b.abi, b.client, b.client, b.client)
	var raw []struct {
		Id              uint64
		ContainerID     [32]byte
		Client          common.Address
		Wallet          common.Address
		ActiveAt        *big.Int
		IntervalSeconds *big.Int
		MaxExecutions   *big.Int
		Redundancy      uint16
		Verifier        common.Address
		RouteID         string
	}
	var results = []interface{}{&raw}
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &results, "getSubscriptions", start, end); err != nil {
		return nil, fmt.Errorf("getSubscriptions(%d,%d): %w", start, end, err)
	}
	out := make([]model.Subscription, 0, len(raw))
	for _, r := range raw {
		sub := model.Subscription{
			ID:              r.Id,
			ContainerID:     r.ContainerID,
			Client:          r.Client,
			Wallet:          r.Wallet,
			ActiveAt:        r.ActiveAt.Int64(),
			IntervalSeconds: r.IntervalSeconds.Int64(),
			MaxExecutions:   uint32(r.MaxExecutions.Uint64()),
			Redundancy:      r.Redundancy,
			RouteID:         r.RouteID,
		}
		if r.Verifier != (common.Address{}) {
			v := r.Verifier
			sub.Verifier = &v
		}
		out = append(out, sub)
	}
	return out, nil
}

// EthCoordinator wraps the coordinator contract's read/write surface.
type EthCoordinator struct {
	client *ethclient.Client
	abi    abi.ABI
	addr   common.Address
	signer Signer
}

func NewEthCoordinator(client *ethclient.Client, addr common.Address, abiJSON string, signer Signer) (*EthCoordinator, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing coordinator ABI: %w", err)
	}
	return &EthCoordinator{client: client, abi: parsed, addr: addr, signer: signer}, nil
}

func (c *EthCoordinator) RedundancyCount(ctx context.Context, requestID [32]byte) (uint16, error) {
	bc := bind.NewBoundContract(c.addr, c.abi, c.client, c.client, c.client)
	var count *big.Int
	var results = []interface{}{&count}
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &results, "redundancyCount", requestID); err != nil {
		return 0, fmt.Errorf("redundancyCount: %w", err)
	}
	return uint16(count.Uint64()), nil
}

func (c *EthCoordinator) PrepareNextInterval(ctx context.Context, subID uint64, interval uint32, wallet common.Address) (*types.Receipt, error) {
	opts, err := c.signer.TransactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	bc := bind.NewBoundContract(c.addr, c.abi, c.client, c.client, c.client)
	tx, err := bc.Transact(opts, "prepareNextInterval", subID, interval, wallet)
	if err != nil {
		return nil, classifyRevert(err)
	}
	return bind.WaitMined(ctx, c.client, tx)
}

func (c *EthCoordinator) ReportComputeResult(
	ctx context.Context,
	interval uint32,
	input, output, proof model.PayloadEnvelope,
	commitment []byte,
	nodeWallet common.Address,
) (*types.Receipt, error) {
	opts, err := c.signer.TransactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	inputEnc, err := EncodePayloadEnvelope(input)
	if err != nil {
		return nil, fmt.Errorf("encoding input payload: %w", err)
	}
	outputEnc, err := EncodePayloadEnvelope(output)
	if err != nil {
		return nil, fmt.Errorf("encoding output payload: %w", err)
	}
	proofEnc, err := EncodePayloadEnvelope(proof)
	if err != nil {
		return nil, fmt.Errorf("encoding proof payload: %w", err)
	}
	bc := bind.NewBoundContract(c.addr, c.abi, c.client, c.client, c.client)
	tx, err := bc.Transact(opts, "reportComputeResult", interval, inputEnc, outputEnc, proofEnc, commitment, nodeWallet)
	if err != nil {
		return nil, classifyRevert(err)
	}
	return bind.WaitMined(ctx, c.client, tx)
}

// EthClientContract wraps the client contract's getComputeInputs call.
type EthClientContract struct {
	client *ethclient.Client
	abi    abi.ABI
}

func NewEthClientContract(client *ethclient.Client, abiJSON string) (*EthClientContract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing client ABI: %w", err)
	}
	return &EthClientContract{client: client, abi: parsed}, nil
}

func (e *EthClientContract) GetComputeInputs(ctx context.Context, subID uint64, interval uint32, timestamp int64, caller common.Address) ([]byte, model.InputType, error) {
	addr, ok := ctx.Value(clientAddrKey{}).(common.Address)
	if !ok {
		return nil, 0, fmt.Errorf("getComputeInputs: client contract address missing from context")
	}
	bc := bind.NewBoundContract(addr, e.abi, e.client, e.client, e.client)
	var raw struct {
		Data      []byte
		InputType uint8
	}
	var results = []interface{}{&raw}
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &results, "getComputeInputs", subID, interval, big.NewInt(timestamp), caller); err != nil {
		return nil, 0, fmt.Errorf("getComputeInputs: %w", err)
	}
	return raw.Data, model.InputType(raw.InputType), nil
}

// clientAddrKey threads the per-subscription client contract address
// through GetComputeInputs without widening the ClientContract interface —
// every subscription can have a distinct client contract.
type clientAddrKey struct{}

// WithClientAddress annotates ctx with the client contract address to call.
func WithClientAddress(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, clientAddrKey{}, addr)
}

func isNotFound(err error) bool {
	return err != nil && containsFold(err.Error(), "not found")
}

func isArithmetic(err error) bool {
	return err != nil && (containsFold(err.Error(), "overflow") || containsFold(err.Error(), "underflow"))
}

func classifyRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case IsNonceUsed(msg):
		return fmt.Errorf("%w: %s", ErrNonceUsed, msg)
	case containsFold(msg, NoNextIntervalSelector) || containsFold(msg, "nonextinterval"):
		return fmt.Errorf("%w: %s", ErrNoNextInterval, msg)
	case containsFold(msg, "execution reverted") || containsFold(msg, "simulation failed"):
		return fmt.Errorf("%w: %s", ErrExecutionReverted, msg)
	case isArithmetic(err):
		return fmt.Errorf("%w: %s", ErrArithmetic, msg)
	default:
		return err
	}
}
