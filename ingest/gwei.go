package ingest

import (
	"fmt"
	"math/big"
)

var weiPerGwei = big.NewInt(1_000_000_000)

// WeiToGweiString renders a wei amount as a decimal gwei string with nine
// fractional digits, the format the NUMERIC columns expect. Fee totals can
// exceed float64 precision, so the conversion stays in integer arithmetic.
func WeiToGweiString(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}

	quo, rem := new(big.Int).QuoRem(wei, weiPerGwei, new(big.Int))

	return fmt.Sprintf("%s.%09d", quo.String(), rem.Uint64())
}

// weiToGweiFloat converts a wei amount to gwei as float64, for the per-block
// display aggregates where float precision is sufficient.
func weiToGweiFloat(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()

	return f
}
