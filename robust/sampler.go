package robust

import "math/rand"

// uniformSubset picks k distinct indices from [0, n) with equal probability.
func uniformSubset(rng *rand.Rand, n, k int) []int {
	return rng.Perm(n)[:k]
}

// weightedSubset picks k distinct indices with probability proportional to
// the quality score, without replacement. Scores are shifted so the lowest
// score keeps a small positive sampling probability.
func weightedSubset(rng *rand.Rand, scores []float64, k int) []int {
	n := len(scores)
	shift := 0.0
	for _, s := range scores {
		if s < shift {
			shift = s
		}
	}
	shift = -shift + 1e-6

	w := make([]float64, n)
	alive := make([]int, n)
	total := 0.0
	for i, s := range scores {
		w[i] = s + shift
		alive[i] = i
		total += w[i]
	}

	out := make([]int, 0, k)
	for len(out) < k {
		r := rng.Float64() * total
		acc := 0.0
		pick := len(alive) - 1
		for j, ai := range alive {
			acc += w[ai]
			if r < acc {
				pick = j
				break
			}
		}
		ai := alive[pick]
		out = append(out, ai)
		total -= w[ai]
		alive = append(alive[:pick], alive[pick+1:]...)
	}
	return out
}
