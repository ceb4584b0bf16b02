package staking

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// Scale is the fixed-point denominator for the yield rate: a rate of 1e18
// accrues one credit unit per staked unit per second.
const Scale = 1e18

var scale = uint256.NewInt(uint64(Scale))

// Accrue computes principal * yieldPerSecond * elapsedSeconds / Scale with
// exact 256-bit intermediates, so the product can never overflow before the
// division. The result is the floor of the real quotient.
func Accrue(principal, yieldPerSecond, elapsedSeconds int64) (int64, error) {
	if principal <= 0 || yieldPerSecond <= 0 || elapsedSeconds <= 0 {
		return 0, nil
	}

	product := new(uint256.Int).Mul(uint256.NewInt(uint64(principal)), uint256.NewInt(uint64(yieldPerSecond)))
	product.Mul(product, uint256.NewInt(uint64(elapsedSeconds)))
	product.Div(product, scale)

	if !product.IsUint64() || product.Uint64() > math.MaxInt64 {
		return 0, fmt.Errorf("accrued reward overflows: principal=%d rate=%d elapsed=%d", principal, yieldPerSecond, elapsedSeconds)
	}
	return int64(product.Uint64()), nil
}
