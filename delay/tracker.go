// Package delay maintains rolling propagation-delay statistics from
// observed block arrivals. Nothing downstream consumes a fixed latency
// constant; every threshold derives from the live distribution this
// package reports, so the system tracks the network as it drifts.
package delay

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow bounds the memory of the network-wide distribution.
const DefaultWindow = 512

// MinSamples is the statistical floor below which estimates are
// reported as low-confidence and consumers widen their thresholds.
const MinSamples = 10

// ewmaSpan caps the effective sample span of the per-peer estimate so
// it keeps adapting instead of freezing on ancient history.
const ewmaSpan = 64

// Summary describes the network-wide delay distribution at one
// instant. Samples lets consumers down-weight unreliable estimates
// rather than treat them as exact.
type Summary struct {
	Median  float64 `json:"median"` // ms
	P90     float64 `json:"p90"`
	P99     float64 `json:"p99"`
	Samples int     `json:"samples"`
}

// Reliable reports whether the summary rests on enough observations.
func (s Summary) Reliable() bool {
	return s.Samples >= MinSamples
}

// Spread is the upper-half width of the distribution; admission
// thresholds scale with it.
func (s Summary) Spread() float64 {
	return s.P90 - s.Median
}

// Estimate is a per-peer delay estimate with its sample count.
type Estimate struct {
	Delay   float64 `json:"delay"` // ms
	Samples int     `json:"samples"`
}

type peerStats struct {
	ewma    float64
	samples int
}

// Tracker folds per-block delay observations into per-peer moving
// averages and a bounded network-wide sample window.
type Tracker struct {
	mu     sync.Mutex
	peers  map[string]*peerStats
	window []float64
	next   int
	filled bool
}

func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		peers:  make(map[string]*peerStats),
		window: make([]float64, window),
	}
}

// RecordObservation folds one arrival into the statistics and returns
// the observed delay in milliseconds. Claimed timestamps from the
// future clamp to zero delay rather than going negative.
func (t *Tracker) RecordObservation(peer, blockID string, observedAt, claimedAt time.Time) float64 {
	d := observedAt.Sub(claimedAt)
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.peers[peer]
	if !ok {
		ps = &peerStats{}
		t.peers[peer] = ps
	}
	ps.samples++
	// adaptive smoothing: cumulative average early on, then EWMA
	span := ps.samples
	if span > ewmaSpan {
		span = ewmaSpan
	}
	alpha := 2.0 / (float64(span) + 1.0)
	ps.ewma += alpha * (ms - ps.ewma)

	t.window[t.next] = ms
	t.next++
	if t.next == len(t.window) {
		t.next = 0
		t.filled = true
	}
	return ms
}

// PeerDelay returns the rolling estimate for one peer.
func (t *Tracker) PeerDelay(peer string) Estimate {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.peers[peer]
	if !ok {
		return Estimate{}
	}
	return Estimate{Delay: ps.ewma, Samples: ps.samples}
}

// NetworkDistribution summarizes the current sample window.
func (t *Tracker) NetworkDistribution() Summary {
	t.mu.Lock()
	n := t.next
	if t.filled {
		n = len(t.window)
	}
	samples := make([]float64, n)
	copy(samples, t.window[:n])
	t.mu.Unlock()

	if n == 0 {
		return Summary{}
	}
	sort.Float64s(samples)
	return Summary{
		Median:  quantile(samples, 0.50),
		P90:     quantile(samples, 0.90),
		P99:     quantile(samples, 0.99),
		Samples: n,
	}
}

// quantile interpolates linearly over a sorted sample.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
