// Package engine drives the confirmation state machine: it ingests
// submitted blocks, runs the recurring evaluation pass over graph
// snapshots, and raises per-block confidence monotonically until
// blocks confirm or go stale.
package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"knightdag/cluster"
	"knightdag/delay"
	"knightdag/graph"
	"knightdag/logger"
	"knightdag/models"
	"knightdag/peers"
)

// Shape parameters of the confidence and liveness rules. None of them
// encodes a latency assumption; delays only enter through the live
// distribution supplied to every pass.
const (
	// staleWindowFactor scales p99 into the observation window after
	// which a losing pending block may be declared stale.
	staleWindowFactor = 8
	// peerTimeoutFactor scales p99 into the liveness sweep timeout.
	peerTimeoutFactor = 20
	// unreliableConfirm is the conservative confirmation bar used
	// while the delay distribution has too few samples.
	unreliableConfirm = 99
)

// Config carries the engine's tunables from the configuration file.
type Config struct {
	EvalInterval    time.Duration
	CheckpointEvery uint64
}

// Engine wires the graph store, delay tracker, peer registry and
// cluster evaluator together.
type Engine struct {
	store    *graph.Store
	tracker  *delay.Tracker
	registry *peers.Registry
	eval     *cluster.Evaluator
	cfg      Config

	passMu sync.Mutex // one evaluation pass at a time

	flightMu  sync.Mutex
	cancelCur context.CancelFunc

	stateMu sync.RWMutex
	round   uint64
	last    cluster.Result
}

func New(store *graph.Store, tracker *delay.Tracker, registry *peers.Registry, cfg Config) *Engine {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 500 * time.Millisecond
	}
	if cfg.CheckpointEvery == 0 {
		cfg.CheckpointEvery = 16
	}
	return &Engine{
		store:    store,
		tracker:  tracker,
		registry: registry,
		eval:     cluster.NewEvaluator(),
		cfg:      cfg,
	}
}

// SubmitRequest is one block submission from a peer.
type SubmitRequest struct {
	ID         string            `json:"id"`
	Hash       string            `json:"hash"`
	Parents    []string          `json:"parents"`
	Peer       string            `json:"peer"`
	ClaimedAt  int64             `json:"claimed_at"` // peer-side creation time, unix ms
	Attributes map[string]string `json:"attributes"`

	PeerAddress string `json:"-"` // filled from the transport
}

// SubmitBlock records the delay observation, updates peer state and
// commits the block through the graph store. The new block is picked
// up by the next evaluation pass rather than evaluated inline.
func (e *Engine) SubmitBlock(req SubmitRequest) (*models.Block, error) {
	observedAt := time.Now()
	claimedAt := observedAt
	if req.ClaimedAt > 0 {
		claimedAt = time.UnixMilli(req.ClaimedAt)
	}
	delayMs := float64(observedAt.Sub(claimedAt)) / float64(time.Millisecond)
	if delayMs < 0 {
		delayMs = 0
	}

	block, err := e.store.InsertBlock(graph.InsertRequest{
		ID:           req.ID,
		Hash:         req.Hash,
		Parents:      req.Parents,
		Peer:         req.Peer,
		Attributes:   req.Attributes,
		NetworkDelay: delayMs,
	})
	if err != nil {
		return nil, err
	}

	// only accepted blocks feed the statistics; a rejected submission
	// must not skew the distribution or refresh liveness
	e.registry.Touch(req.Peer, req.PeerAddress)
	e.tracker.RecordObservation(req.Peer, req.ID, observedAt, claimedAt)
	est := e.tracker.PeerDelay(req.Peer)
	e.registry.UpdateDelay(req.Peer, est.Delay, est.Samples)
	e.registry.RecordValidation(req.Peer)
	return block, nil
}

// Run drives evaluation passes on a fixed cadence until the context
// is cancelled. Each tick coalesces: an unfinished previous pass is
// cancelled rather than queued behind.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.trigger(ctx)
		}
	}
}

func (e *Engine) trigger(parent context.Context) {
	e.flightMu.Lock()
	if e.cancelCur != nil {
		e.cancelCur()
	}
	cctx, cancel := context.WithCancel(parent)
	e.cancelCur = cancel
	e.flightMu.Unlock()

	go func() {
		defer cancel()
		if err := e.RunPass(cctx); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Logger.Debug("evaluation pass aborted, superseded by a newer pass")
				return
			}
			logger.Logger.Error("evaluation pass failed", zap.Error(err))
		}
	}()
}

// RunPass executes one evaluation round against a snapshot taken at
// its start. Partial results of a cancelled pass are discarded, never
// committed.
func (e *Engine) RunPass(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	snap := e.store.Snapshot()
	dist := e.tracker.NetworkDistribution()
	if len(snap.Order) == 0 {
		return nil
	}

	e.stateMu.Lock()
	e.round++
	round := e.round
	e.stateMu.Unlock()

	res := e.eval.EvaluateRound(snap, dist)
	if res.LowConfidence {
		logger.Logger.Debug("insufficient delay samples, evaluating with wide thresholds",
			zap.Int("samples", dist.Samples))
	}

	updates := e.computeUpdates(snap, dist, res)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.store.ApplyEvaluation(round, updates); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.last = res
	e.stateMu.Unlock()

	if dist.Reliable() {
		timeout := time.Duration(dist.P99*peerTimeoutFactor) * time.Millisecond
		if n := e.registry.Sweep(timeout); n > 0 {
			logger.Logger.Info("marked unresponsive peers inactive", zap.Int("count", n))
		}
	}
	if round%e.cfg.CheckpointEvery == 0 {
		if err := e.store.Checkpoint(round); err != nil {
			logger.Logger.Warn("checkpoint failed", zap.Uint64("round", round), zap.Error(err))
		}
	}

	logger.Logger.Debug("evaluation round complete",
		zap.Uint64("round", round),
		zap.Int("cluster_size", len(res.Members)),
		zap.Float64("threshold", res.Threshold))
	return nil
}

// computeUpdates derives the per-block write-back for one round. The
// winning region is the cluster members plus all their ancestors;
// blocks there gain confidence, everything else holds still or goes
// stale.
func (e *Engine) computeUpdates(snap *graph.Snapshot, dist delay.Summary, res cluster.Result) []graph.BlockUpdate {
	winning := winningRegion(snap, res.Members)
	confirmAt := confirmThreshold(dist)
	now := time.Now().UnixMilli()
	staleWindow := math.Inf(1)
	if dist.Reliable() {
		staleWindow = dist.P99 * staleWindowFactor
	}

	var updates []graph.BlockUpdate
	for _, id := range snap.Order {
		b := snap.Blocks[id]
		if b.State.Terminal() {
			continue
		}

		member := res.Member(id)
		u := graph.BlockUpdate{
			ID:         id,
			Confidence: b.Confidence,
			InKCluster: member,
			Streak:     b.KClusterStreak,
			State:      b.State,
		}

		switch {
		case member:
			u.Streak = b.KClusterStreak + 1
			if b.State == models.Pending {
				u.State = models.InKCluster
			}
		case len(snap.Children[id]) == 0 && b.State == models.InKCluster:
			// still a tip but dropped out of the cluster
			u.Streak = 0
			u.State = models.Pending
		}

		if winning[id] {
			depth := float64(snap.MaxHeight - b.Height)
			x := float64(u.Streak) + depth + math.Log1p(snap.EdgeWeightSum[id])
			step := x / (x + 1)
			u.Confidence = b.Confidence + (100-b.Confidence)*step
			// confirmation needs standing held across rounds: a block
			// that crossed the bar this round waits until the next one.
			// Interior blocks of the winning region confirm the same
			// way, stepping through InKCluster even when they are no
			// longer frontier candidates themselves.
			if u.Confidence >= confirmAt {
				if b.State == models.InKCluster {
					u.State = models.Confirmed
				} else if u.State == models.Pending {
					u.State = models.InKCluster
				}
			}
		} else if b.State == models.Pending && !member {
			age := float64(now - b.Timestamp)
			if age > staleWindow && supersededBy(snap, id) {
				u.State = models.Stale
			}
		}

		if u.Confidence != b.Confidence || u.State != b.State ||
			u.InKCluster != b.InKCluster || u.Streak != b.KClusterStreak {
			updates = append(updates, u)
		}
	}
	return updates
}

// winningRegion is the member set plus every ancestor of a member.
func winningRegion(snap *graph.Snapshot, members []string) map[string]bool {
	region := make(map[string]bool, len(members))
	queue := append([]string(nil), members...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if region[cur] {
			continue
		}
		region[cur] = true
		b, ok := snap.Blocks[cur]
		if !ok {
			continue
		}
		queue = append(queue, b.Parents...)
	}
	return region
}

// supersededBy reports whether a confirmed block at equal or greater
// height exists on a competing branch (one the block is no ancestor
// of). Such a block has won the comparison the pending block lost.
func supersededBy(snap *graph.Snapshot, id string) bool {
	b := snap.Blocks[id]
	for _, other := range snap.Order {
		o := snap.Blocks[other]
		if o.State != models.Confirmed || o.Height < b.Height || other == id {
			continue
		}
		if !snap.IsDescendant(id, other) {
			return true
		}
	}
	return false
}

// confirmThreshold derives the confirmation bar from the delay
// spread: the less stable the network, the more evidence a block must
// accumulate. Always in [50, 100).
func confirmThreshold(dist delay.Summary) float64 {
	if !dist.Reliable() {
		return unreliableConfirm
	}
	instability := 0.0
	if dist.Median > 0 {
		instability = dist.Spread() / dist.Median
	}
	return 100 * (1 - 1/(2+instability))
}

// Round returns the number of completed evaluation rounds.
func (e *Engine) Round() uint64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.round
}

// LastResult returns the most recent cluster evaluation.
func (e *Engine) LastResult() cluster.Result {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.last
}
