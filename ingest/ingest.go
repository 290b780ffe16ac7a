// Package ingest converts execution-layer wire blocks into store rows,
// computing the per-block gas and fee aggregates.
package ingest

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// BuildBlock converts a wire block into a store row. prev is the previous
// block's timestamp, used for the derived per-block rates; nil leaves them
// null. receipts supply per-transaction gas used for the exact priority-fee
// total; when receipts are nil or incomplete the total is left null so the
// priority-fee gap scan repairs the block later.
func BuildBlock(rb *rpcpool.Block, receipts []rpcpool.Receipt, prev *time.Time) store.Block {
	b := store.Block{
		Number:     uint64(rb.Number),
		Timestamp:  time.Unix(int64(rb.Timestamp), 0).UTC(),
		BlockHash:  rb.Hash.Hex(),
		ParentHash: rb.ParentHash.Hex(),
		GasUsed:    uint64(rb.GasUsed),
		GasLimit:   uint64(rb.GasLimit),
		TxCount:    len(rb.Transactions),
	}

	var baseFeeWei *big.Int
	if rb.BaseFeePerGas != nil {
		baseFeeWei = rb.BaseFeePerGas.ToInt()
		gwei := weiToGweiFloat(baseFeeWei)
		b.BaseFeeGwei = &gwei

		totalBase := new(big.Int).Mul(baseFeeWei, new(big.Int).SetUint64(uint64(rb.GasUsed)))
		s := WeiToGweiString(totalBase)
		b.TotalBaseFeeGwei = &s
	}

	if len(rb.Transactions) == 0 {
		// An empty block has exact zero fee aggregates, not nulls.
		zero := 0.0
		zeroStr := "0"
		b.MinPriorityFeeGwei = &zero
		b.MaxPriorityFeeGwei = &zero
		b.AvgPriorityFeeGwei = &zero
		b.MedianPriorityFeeGwei = &zero
		b.TotalPriorityFeeGwei = &zeroStr

		if b.TotalBaseFeeGwei == nil {
			b.TotalBaseFeeGwei = &zeroStr
		}

		b.FillDerived(prev)

		return b
	}

	tips := make([]float64, 0, len(rb.Transactions))
	tipWei := make(map[common.Hash]*big.Int, len(rb.Transactions))

	for _, tx := range rb.Transactions {
		tip := priorityFeeWei(&tx, baseFeeWei)
		tipWei[tx.Hash] = tip
		tips = append(tips, weiToGweiFloat(tip))
	}

	minTip, maxTip, avgTip, medianTip := summarize(tips)
	b.MinPriorityFeeGwei = &minTip
	b.MaxPriorityFeeGwei = &maxTip
	b.AvgPriorityFeeGwei = &avgTip
	b.MedianPriorityFeeGwei = &medianTip

	if total, ok := totalPriorityFeeWei(tipWei, receipts); ok {
		s := WeiToGweiString(total)
		b.TotalPriorityFeeGwei = &s
	}

	b.FillDerived(prev)

	return b
}

// TotalPriorityFee recomputes a block's total priority fee from its receipts,
// as a gwei decimal string. ok is false when any transaction lacks a receipt.
func TotalPriorityFee(rb *rpcpool.Block, receipts []rpcpool.Receipt) (string, bool) {
	if len(rb.Transactions) == 0 {
		return "0", true
	}

	var baseFeeWei *big.Int
	if rb.BaseFeePerGas != nil {
		baseFeeWei = rb.BaseFeePerGas.ToInt()
	}

	tipWei := make(map[common.Hash]*big.Int, len(rb.Transactions))
	for _, tx := range rb.Transactions {
		tipWei[tx.Hash] = priorityFeeWei(&tx, baseFeeWei)
	}

	total, ok := totalPriorityFeeWei(tipWei, receipts)
	if !ok {
		return "", false
	}

	return WeiToGweiString(total), true
}

// priorityFeeWei is the per-transaction tip: maxPriorityFeePerGas when
// present, otherwise max(gasPrice − baseFee, 0), otherwise zero.
func priorityFeeWei(tx *rpcpool.Transaction, baseFeeWei *big.Int) *big.Int {
	if tx.MaxPriorityFeePerGas != nil {
		return tx.MaxPriorityFeePerGas.ToInt()
	}

	if tx.GasPrice != nil {
		tip := new(big.Int).Set(tx.GasPrice.ToInt())
		if baseFeeWei != nil {
			tip.Sub(tip, baseFeeWei)
		}

		if tip.Sign() < 0 {
			tip.SetInt64(0)
		}

		return tip
	}

	return new(big.Int)
}

// totalPriorityFeeWei sums tip × gas-used over the receipts. ok is false when
// a transaction has no matching receipt, which means the total would be
// understated.
func totalPriorityFeeWei(tipWei map[common.Hash]*big.Int, receipts []rpcpool.Receipt) (*big.Int, bool) {
	if receipts == nil {
		return nil, false
	}

	gasUsed := make(map[common.Hash]uint64, len(receipts))
	for _, r := range receipts {
		gasUsed[r.TransactionHash] = uint64(r.GasUsed)
	}

	total := new(big.Int)

	for hash, tip := range tipWei {
		used, ok := gasUsed[hash]
		if !ok {
			return nil, false
		}

		total.Add(total, new(big.Int).Mul(tip, new(big.Int).SetUint64(used)))
	}

	return total, true
}

func summarize(values []float64) (min, max, avg, median float64) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	avg = sum / float64(len(sorted))

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	return min, max, avg, median
}
