package rpcpool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block is the subset of an execution-layer block the indexer consumes,
// decoded straight from the eth_getBlockByNumber wire format.
type Block struct {
	Number        hexutil.Uint64 `json:"number"`
	Hash          common.Hash    `json:"hash"`
	ParentHash    common.Hash    `json:"parentHash"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	GasUsed       hexutil.Uint64 `json:"gasUsed"`
	GasLimit      hexutil.Uint64 `json:"gasLimit"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
	Transactions  []Transaction  `json:"transactions"`
}

// Transaction carries the fee-relevant transaction fields. Legacy
// transactions only populate GasPrice; dynamic-fee transactions populate the
// cap fields.
type Transaction struct {
	Hash                 common.Hash    `json:"hash"`
	Gas                  hexutil.Uint64 `json:"gas"`
	GasPrice             *hexutil.Big   `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
}

// Receipt is the subset of a transaction receipt needed to compute actual
// priority fees.
type Receipt struct {
	TransactionHash   common.Hash    `json:"transactionHash"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	Status            hexutil.Uint64 `json:"status"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
}
