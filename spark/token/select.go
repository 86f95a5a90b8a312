package token

import (
	"math/big"
	"sort"
)

// sortedByAmount orders outputs by TokenAmount, ascending if smallestFirst,
// descending otherwise, tie-broken ascending by Id for determinism.
func sortedByAmount(outputs []TokenOutput, smallestFirst bool) []TokenOutput {
	sorted := make([]TokenOutput, len(outputs))
	copy(sorted, outputs)
	sort.Slice(sorted, func(i, j int) bool {
		cmp := sorted[i].TokenAmount.Cmp(sorted[j].TokenAmount)
		if cmp != 0 {
			if smallestFirst {
				return cmp < 0
			}
			return cmp > 0
		}
		return sorted[i].Id < sorted[j].Id
	})
	return sorted
}

// selectForTarget greedily fills outputs, in strategy order, until the
// target is satisfied. Returns the selected outputs and whether the target
// was met.
func selectForTarget(outputs []TokenOutput, target ReservationTarget, strategy SelectionStrategy) ([]TokenOutput, bool) {
	sorted := sortedByAmount(outputs, strategy == SmallestFirst)

	switch {
	case target.MinTotalValue != nil:
		return selectMinTotalValue(sorted, target.MinTotalValue)
	case target.MaxOutputCount != nil:
		return selectMaxOutputCount(sorted, *target.MaxOutputCount)
	default:
		return nil, false
	}
}

func selectMinTotalValue(sorted []TokenOutput, min *big.Int) ([]TokenOutput, bool) {
	if min.Sign() <= 0 {
		return nil, false
	}
	var selected []TokenOutput
	sum := new(big.Int)
	for _, o := range sorted {
		if sum.Cmp(min) >= 0 {
			break
		}
		selected = append(selected, o)
		sum.Add(sum, o.TokenAmount)
	}
	if sum.Cmp(min) < 0 {
		return nil, false
	}
	return selected, true
}

func selectMaxOutputCount(sorted []TokenOutput, n int) ([]TokenOutput, bool) {
	if n < 1 || len(sorted) == 0 {
		return nil, false
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n], true
}
