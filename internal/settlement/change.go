package settlement

import (
	"fmt"
	"sort"
)

// DefaultDenominations is the Indonesian rupiah note and coin set, descending.
var DefaultDenominations = []int64{100000, 50000, 20000, 10000, 5000, 2000, 1000, 500, 200, 100, 50}

// Piece is one denomination in a change breakdown.
type Piece struct {
	Value int64 `json:"value"`
	Count int   `json:"count"`
}

// Change is the amount owed back to a cash customer and how to pay it out.
// Remainder holds any amount smaller than the smallest denomination.
type Change struct {
	Amount    int64   `json:"amount"`
	Breakdown []Piece `json:"breakdown"`
	Remainder int64   `json:"remainder,omitempty"`
}

// ComputeChange returns tendered-total decomposed greedily over denominations.
//
// Greedy decomposition is only minimal for canonical coin systems. The default
// rupiah set is canonical; any other set must pass VerifyCanonical before use.
func ComputeChange(total, tendered int64, denominations []int64) (Change, error) {
	if tendered < total {
		return Change{}, ErrInsufficientTender
	}
	denoms, err := normalizeDenominations(denominations)
	if err != nil {
		return Change{}, err
	}

	amount := tendered - total
	change := Change{Amount: amount}
	rest := amount
	for _, value := range denoms {
		if rest < value {
			continue
		}
		count := rest / value
		change.Breakdown = append(change.Breakdown, Piece{Value: value, Count: int(count)})
		rest -= count * value
	}
	change.Remainder = rest
	return change, nil
}

// VerifyCanonical checks that greedy change-making is optimal for the set. It
// compares greedy against an exact minimum-piece count for every amount up to the
// sum of the two largest denominations, which is sufficient for a counterexample
// to appear if one exists.
func VerifyCanonical(denominations []int64) error {
	denoms, err := normalizeDenominations(denominations)
	if err != nil {
		return err
	}
	if len(denoms) < 3 {
		return nil
	}

	unit := denoms[len(denoms)-1]
	for _, d := range denoms {
		unit = gcd(unit, d)
	}
	scaled := make([]int, len(denoms))
	for i, d := range denoms {
		scaled[i] = int(d / unit)
	}
	limit := scaled[0] + scaled[1]

	const inf = int(^uint(0) >> 1)
	best := make([]int, limit+1)
	for amount := 1; amount <= limit; amount++ {
		best[amount] = inf
		for _, d := range scaled {
			if d <= amount && best[amount-d] != inf && best[amount-d]+1 < best[amount] {
				best[amount] = best[amount-d] + 1
			}
		}
		if best[amount] == inf {
			continue
		}
		if greedy := greedyCount(amount, scaled); greedy != best[amount] {
			return fmt.Errorf("%w: greedy uses %d pieces for %d, minimum is %d",
				ErrNonCanonicalDenominations, greedy, int64(amount)*unit, best[amount])
		}
	}
	return nil
}

func greedyCount(amount int, denoms []int) int {
	count := 0
	for _, d := range denoms {
		count += amount / d
		amount %= d
	}
	if amount != 0 {
		return -1
	}
	return count
}

func normalizeDenominations(denominations []int64) ([]int64, error) {
	if len(denominations) == 0 {
		return nil, ErrInvalidDenominations
	}
	out := make([]int64, 0, len(denominations))
	seen := make(map[int64]struct{}, len(denominations))
	for _, d := range denominations {
		if d <= 0 {
			return nil, ErrInvalidDenominations
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
