package pipeline

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

// Decoder normalizes a raw RequestStarted log into a RequestStartedEvent.
// It is built from the coordinator's actual ABI rather than a fixed Go
// struct layout, resolving the reference's field-order ambiguity
// (spec.md §9: "some include redundancy in the commitment tuple, some do
// not... no literal field order should be hard-coded in the core").
type Decoder struct {
	event abi.Event
}

// NewDecoder looks up the "RequestStarted" event in the coordinator ABI.
func NewDecoder(coordinatorABI abi.ABI) (*Decoder, error) {
	ev, ok := coordinatorABI.Events["RequestStarted"]
	if !ok {
		return nil, fmt.Errorf("pipeline: coordinator ABI has no RequestStarted event")
	}
	return &Decoder{event: ev}, nil
}

// Decode normalizes a log into a RequestStartedEvent. Malformed logs return
// an error and must be dropped by the caller without advancing the
// checkpoint (spec.md §4.2 failure policy).
func (d *Decoder) Decode(log types.Log) (model.RequestStartedEvent, error) {
	if len(log.Topics) < 4 {
		return model.RequestStartedEvent{}, fmt.Errorf("pipeline: log has %d topics, want >= 4 (indexed request_id, sub_id, container_id)", len(log.Topics))
	}
	if log.Topics[0] != d.event.ID {
		return model.RequestStartedEvent{}, fmt.Errorf("pipeline: log topic0 %s is not RequestStarted (%s)", log.Topics[0], d.event.ID)
	}

	var requestID, containerID [32]byte
	copy(requestID[:], log.Topics[1].Bytes())
	subID := new(big.Int).SetBytes(log.Topics[2].Bytes()).Uint64()
	copy(containerID[:], log.Topics[3].Bytes())

	values, err := d.event.Inputs.NonIndexed().UnpackValues(log.Data)
	if err != nil {
		return model.RequestStartedEvent{}, fmt.Errorf("pipeline: unpacking RequestStarted data: %w", err)
	}

	evt := model.RequestStartedEvent{
		RequestID:      requestID,
		SubscriptionID: subID,
		ContainerID:    containerID,
		BlockNumber:    log.BlockNumber,
	}

	// The commitment tuple's exact shape is deployment-specific (spec.md §9);
	// pull out the fields we recognize by name and ignore the rest.
	fields := map[string]interface{}{}
	for i, arg := range d.event.Inputs.NonIndexed() {
		if i < len(values) {
			fields[arg.Name] = values[i]
		}
	}
	applyField(fields, "interval", &evt.Interval)
	applyField(fields, "redundancy", &evt.Redundancy)
	applyField(fields, "useDeliveryInbox", &evt.UseDeliveryInbox)
	applyField(fields, "feeAmount", &evt.FeeAmount)
	applyField(fields, "feeToken", &evt.FeeToken)
	applyField(fields, "coordinator", &evt.Coordinator)
	applyField(fields, "walletAddress", &evt.WalletAddress)
	applyField(fields, "client", &evt.ClientAddress)

	if v, ok := fields["verifier"]; ok {
		if addr, ok := v.(common.Address); ok && addr != (common.Address{}) {
			evt.Verifier = &addr
		}
	}

	return evt, nil
}

// applyField assigns fields[name] into *out when the dynamic type matches,
// and is a no-op (not an error) otherwise — a coordinator ABI that omits a
// field simply leaves the zero value, matching the "parameterized by the
// ABI actually in use" requirement.
func applyField(fields map[string]interface{}, name string, out interface{}) {
	v, ok := fields[name]
	if !ok {
		return
	}
	switch p := out.(type) {
	case *uint32:
		if n, ok := v.(*big.Int); ok {
			*p = uint32(n.Uint64())
		} else if n, ok := v.(uint32); ok {
			*p = n
		}
	case *uint16:
		if n, ok := v.(*big.Int); ok {
			*p = uint16(n.Uint64())
		} else if n, ok := v.(uint16); ok {
			*p = n
		}
	case *bool:
		if b, ok := v.(bool); ok {
			*p = b
		}
	case **big.Int:
		if n, ok := v.(*big.Int); ok {
			*p = n
		}
	case *common.Address:
		if a, ok := v.(common.Address); ok {
			*p = a
		}
	}
}
