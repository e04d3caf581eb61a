// Package cluster computes the k-cluster: the set of frontier blocks
// whose delay-adjusted distance from the cluster core falls inside a
// threshold derived from the live network distribution. It is a pure
// function of a graph snapshot plus delay statistics and holds no
// graph state of its own.
package cluster

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"knightdag/delay"
	"knightdag/graph"
)

// Sensitivity dial bounds. The dial itself self-tunes from observed
// membership churn; these only stop it running away.
const (
	minSensitivity  = 1.0
	maxSensitivity  = 4.0
	sensitivityStep = 0.1
)

// Result is the outcome of one cluster evaluation. Members are
// ordered by closeness, ties broken by lexicographic id so replicas
// evaluating the same snapshot agree.
type Result struct {
	Members       []string `json:"members"`
	Threshold     float64  `json:"threshold"`
	LowConfidence bool     `json:"low_confidence"` // sparse delay data, wide threshold
}

// member reports whether id is in the cluster.
func (r Result) Member(id string) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

type scored struct {
	id    string
	score float64
}

// Evaluate computes cluster membership for the snapshot's frontier at
// sensitivity k. Closeness combines delay similarity to the core with
// structural distance (height gap, each level costing one median
// delay); the threshold is median + k*spread. With too few samples
// the threshold widens to admit every candidate and the result is
// flagged low-confidence.
func Evaluate(snap *graph.Snapshot, dist delay.Summary, k float64) Result {
	candidates := snap.Frontier
	if len(candidates) == 0 {
		return Result{}
	}

	delays := make([]float64, 0, len(candidates))
	var maxHeight uint64
	for _, id := range candidates {
		b := snap.Blocks[id]
		delays = append(delays, b.NetworkDelay)
		if b.Height > maxHeight {
			maxHeight = b.Height
		}
	}
	sort.Float64s(delays)
	coreDelay := delays[len(delays)/2]

	spread := dist.Spread()
	if spread <= 0 {
		spread = coreDelay / 10
	}
	if spread <= 0 {
		spread = 1 // ms; degenerate all-zero distribution
	}

	// a height level costs one median delay: lagging one level behind
	// the frontier top weighs as much as a whole round trip
	hopCost := dist.Median
	if hopCost <= 0 {
		hopCost = spread
	}

	scores := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		b := snap.Blocks[id]
		heightGap := float64(maxHeight - b.Height)
		// approval weight pulls a block toward the core
		pull := 1.0 + snap.EdgeWeightSum[id]
		s := (math.Abs(b.NetworkDelay-coreDelay) + heightGap*hopCost) / pull
		scores = append(scores, scored{id: id, score: s})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score < scores[j].score
		}
		return scores[i].id < scores[j].id
	})

	res := Result{Threshold: dist.Median + k*spread}
	if !dist.Reliable() {
		// sparse data: admit everything rather than guess
		res.LowConfidence = true
		res.Threshold = scores[len(scores)-1].score
	}
	for _, sc := range scores {
		if sc.score > res.Threshold {
			break
		}
		res.Members = append(res.Members, sc.id)
	}
	return res
}

// Evaluator wraps Evaluate with a self-tuned sensitivity dial. High
// membership churn between rounds raises k (steadier clusters); calm
// rounds decay it back toward the floor. Identical inputs are served
// from cache so re-evaluating an unchanged snapshot is idempotent and
// never moves the dial.
type Evaluator struct {
	mu       sync.Mutex
	k        float64
	lastKey string
	lastSet map[string]bool
	lastRes Result
}

func NewEvaluator() *Evaluator {
	return &Evaluator{k: 2.0}
}

// Sensitivity returns the current dial value.
func (e *Evaluator) Sensitivity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.k
}

// EvaluateRound evaluates the snapshot and tunes the dial from the
// churn against the previous round.
func (e *Evaluator) EvaluateRound(snap *graph.Snapshot, dist delay.Summary) Result {
	key := inputsKey(snap, dist)

	e.mu.Lock()
	defer e.mu.Unlock()

	if key == e.lastKey {
		return e.lastRes
	}

	res := Evaluate(snap, dist, e.k)

	set := make(map[string]bool, len(res.Members))
	for _, m := range res.Members {
		set[m] = true
	}
	if e.lastSet != nil {
		if churn(e.lastSet, set) > 0.5 {
			e.k = math.Min(e.k+sensitivityStep, maxSensitivity)
		} else {
			e.k = math.Max(e.k-sensitivityStep, minSensitivity)
		}
	}
	e.lastKey = key
	e.lastSet = set
	e.lastRes = res
	return res
}

// churn is the symmetric difference over the union of two member sets.
func churn(a, b map[string]bool) float64 {
	union := 0
	diff := 0
	for id := range a {
		union++
		if !b[id] {
			diff++
		}
	}
	for id := range b {
		if !a[id] {
			union++
			diff++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(diff) / float64(union)
}

func inputsKey(snap *graph.Snapshot, dist delay.Summary) string {
	ids := append([]string(nil), snap.Frontier...)
	sort.Strings(ids)
	key := fmt.Sprintf("%.6f|%.6f|%d", dist.Median, dist.P90, dist.Samples)
	for _, id := range ids {
		b := snap.Blocks[id]
		key += fmt.Sprintf("|%s:%d:%.6f", id, b.Height, b.NetworkDelay)
	}
	return key
}
