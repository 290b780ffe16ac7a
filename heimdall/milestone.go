package heimdall

import (
	"github.com/ethereum/go-ethereum/common"
)

// Milestone is a checkpoint-layer attestation that the block range
// [StartBlock, EndBlock] is final. The milestone id equals the end block;
// sequence ids are assigned monotonically by the checkpoint layer.
type Milestone struct {
	MilestoneID uint64
	SequenceID  uint64
	StartBlock  uint64
	EndBlock    uint64
	Hash        common.Hash
	Proposer    common.Address
	Timestamp   uint64
}

// milestoneCountResponse mirrors GET /milestone/count.
type milestoneCountResponse struct {
	Result struct {
		Count uint64 `json:"count"`
	} `json:"result"`
}

// milestoneResponse mirrors GET /milestone/{sequence_id}.
type milestoneResponse struct {
	Result struct {
		Proposer   common.Address `json:"proposer"`
		StartBlock uint64         `json:"start_block"`
		EndBlock   uint64         `json:"end_block"`
		Hash       common.Hash    `json:"hash"`
		Timestamp  uint64         `json:"timestamp"`
	} `json:"result"`
}
