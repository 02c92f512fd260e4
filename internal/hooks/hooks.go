// Package hooks restates the reference's open-ended bag of optional
// callbacks as a single closed interface (Design Notes §9). Unused hooks
// default to no-ops via NoopHooks, which every concrete AgentHooks
// implementation should embed.
package hooks

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/hpp-io/noosphere-agent/internal/model"
)

// AgentHooks is the closed enumeration of lifecycle callbacks the agent
// fires. Implementations should embed NoopHooks and override only the
// methods they care about.
type AgentHooks interface {
	OnRequestStarted(model.RequestStartedEvent)
	OnRequestSkipped(requestID [32]byte, reason string)
	OnRequestFailed(requestID [32]byte, message string, txHash *common.Hash)
	OnComputeDelivered(requestID [32]byte, txHash common.Hash, gasUsed uint64)
	OnCommitmentSuccess(subID uint64, interval uint32)
	OnCommitmentFailed(subID uint64, interval uint32, reason string)
	OnSubscriptionTracked(subID uint64)
	OnSubscriptionUntracked(subID uint64, reason string)
	OnSyncTick(newlyTracked int)
	OnConnectionRecovered()
}

// NoopHooks implements AgentHooks with no-ops. Embed it by value in a
// partial hooks struct to satisfy the interface without implementing every
// method.
type NoopHooks struct{}

func (NoopHooks) OnRequestStarted(model.RequestStartedEvent)                  {}
func (NoopHooks) OnRequestSkipped(requestID [32]byte, reason string)          {}
func (NoopHooks) OnRequestFailed(requestID [32]byte, message string, txHash *common.Hash) {}
func (NoopHooks) OnComputeDelivered(requestID [32]byte, txHash common.Hash, gasUsed uint64) {}
func (NoopHooks) OnCommitmentSuccess(subID uint64, interval uint32)           {}
func (NoopHooks) OnCommitmentFailed(subID uint64, interval uint32, reason string) {}
func (NoopHooks) OnSubscriptionTracked(subID uint64)                         {}
func (NoopHooks) OnSubscriptionUntracked(subID uint64, reason string)        {}
func (NoopHooks) OnSyncTick(newlyTracked int)                                {}
func (NoopHooks) OnConnectionRecovered()                                    {}

var _ AgentHooks = NoopHooks{}
