package tree

import "sort"

// maxExactSearchLeaves bounds the exhaustive subset-sum search in
// selectExact. Reservation calls run against one wallet's own spendable
// leaf set, which stays small in practice; beyond this bound the search
// declines rather than risk exponential blowup, and callers fall back to
// selectMinimum's over-reservation behavior.
const maxExactSearchLeaves = 24

// selectExact searches for a subset of leaves that sums to exactly target,
// via backtracking with suffix-sum pruning: a branch is cut as soon as the
// leaves left to examine can't possibly sum to the remaining target. Leaves
// are sorted ascending by value first (ties broken by id), and the search
// tries including each leaf before excluding it, so identical inputs and
// targets always pick the identical subset, biased toward smaller leaves.
func selectExact(leaves []TreeNode, target uint64) ([]TreeNode, bool) {
	if target == 0 {
		return nil, false
	}
	sorted := sortedByValueAsc(leaves)
	if len(sorted) > maxExactSearchLeaves {
		return nil, false
	}

	n := len(sorted)
	suffixSum := make([]uint64, n+1)
	for i := n - 1; i >= 0; i-- {
		suffixSum[i] = suffixSum[i+1] + sorted[i].Value
	}

	picked := make([]bool, n)
	var search func(i int, remaining uint64) bool
	search = func(i int, remaining uint64) bool {
		if remaining == 0 {
			return true
		}
		if i >= n || suffixSum[i] < remaining {
			return false
		}
		if sorted[i].Value <= remaining {
			picked[i] = true
			if search(i+1, remaining-sorted[i].Value) {
				return true
			}
			picked[i] = false
		}
		return search(i+1, remaining)
	}

	if !search(0, target) {
		return nil, false
	}

	selected := make([]TreeNode, 0, n)
	for i, p := range picked {
		if p {
			selected = append(selected, sorted[i])
		}
	}
	return selected, true
}

// selectMinimum greedily reserves smallest-first until the accumulated value
// meets or exceeds target, for the "reserve at least this much" fallback
// when an exact subset doesn't exist. Deterministic for the same reasons as
// selectExact.
func selectMinimum(leaves []TreeNode, target uint64) ([]TreeNode, bool) {
	sorted := sortedByValueAsc(leaves)

	var selected []TreeNode
	var sum uint64
	for _, l := range sorted {
		if sum >= target && target > 0 {
			break
		}
		selected = append(selected, l)
		sum += l.Value
	}
	if sum < target {
		return nil, false
	}
	return selected, true
}

func sortedByValueAsc(leaves []TreeNode) []TreeNode {
	sorted := make([]TreeNode, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Value != sorted[j].Value {
			return sorted[i].Value < sorted[j].Value
		}
		return sorted[i].Id < sorted[j].Id
	})
	return sorted
}
