package graph

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"knightdag/models"
)

// SelectTip suggests a frontier block for a producer to reference,
// using an MCMC-style weighted random walk biased by cumulative
// confidence. Walking toward well-confirmed regions steers new blocks
// away from branches that are about to go stale.
func (s *Store) SelectTip() (*models.Block, error) {
	const defaultAlpha = 0.01
	const defaultMaxSteps = 10000
	return s.SelectTipMCMC(defaultAlpha, defaultMaxSteps)
}

// SelectTipMCMC runs the weighted random walk over a snapshot, so it
// never holds the store lock while walking.
func (s *Store) SelectTipMCMC(alpha float64, maxSteps int) (*models.Block, error) {
	snap := s.Snapshot()
	if len(snap.Order) == 0 {
		return nil, errors.New("no blocks in DAG")
	}

	// cumulative confidence with memoized DFS over children
	cum := make(map[string]float64, len(snap.Order))
	var computeCum func(id string) float64
	computeCum = func(id string) float64 {
		if v, ok := cum[id]; ok {
			return v
		}
		b := snap.Blocks[id]
		sum := b.Confidence
		if b.State == models.Stale {
			sum = 0 // stale branches attract no walkers
		}
		cum[id] = 0 // guard against revisits while descending
		for _, c := range snap.Children[id] {
			sum += computeCum(c)
		}
		cum[id] = sum
		return sum
	}
	for _, id := range snap.Order {
		computeCum(id)
	}

	// start from the earliest non-tip block
	var start string
	var earliest int64 = math.MaxInt64
	for _, id := range snap.Order {
		if len(snap.Children[id]) == 0 {
			continue
		}
		if b := snap.Blocks[id]; b.Timestamp < earliest {
			earliest = b.Timestamp
			start = id
		}
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	if start == "" {
		start = snap.Order[rnd.Intn(len(snap.Order))]
	}

	cur := start
	steps := 0
	for {
		steps++
		if steps > maxSteps {
			return nil, errors.New("mcmc tip selection exceeded max steps")
		}

		// skip stale children entirely
		var ch []string
		for _, c := range snap.Children[cur] {
			if snap.Blocks[c].State != models.Stale {
				ch = append(ch, c)
			}
		}
		if len(ch) == 0 {
			b := snap.Blocks[cur]
			return &b, nil
		}

		weights := make([]float64, len(ch))
		var total float64
		for i, cid := range ch {
			w := math.Exp(alpha * cum[cid])
			weights[i] = w
			total += w
		}
		if total <= 0 || math.IsInf(total, 1) {
			cur = ch[rnd.Intn(len(ch))]
			continue
		}
		p := rnd.Float64() * total
		acc := 0.0
		chosen := ch[0]
		for i, w := range weights {
			acc += w
			if p <= acc {
				chosen = ch[i]
				break
			}
		}
		cur = chosen
	}
}
