package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"knightdag/logger"
	"knightdag/models"
	"knightdag/repository"
)

// commitRetries bounds transparent retries of transient storage
// failures before they surface to the caller.
const commitRetries = 3

// Store owns all persistent block and edge state. Every mutation goes
// through it, so no caller can commit an edge that bypasses the cycle
// check. An in-memory adjacency index mirrors the repository; the
// index is the authority for reachability questions and the
// repository is the authority for durability.
type Store struct {
	repo repository.GraphRepository

	mu       sync.RWMutex
	vertices map[string]*vertex
	order    []string // block ids in insertion order
}

// vertex is one entry of the adjacency index. Children are kept in
// insertion order; edgeWeight accumulates the weights of edges from
// this block to its children (how strongly the block is approved).
type vertex struct {
	block      models.Block
	children   []string
	edgeWeight float64
}

// InsertRequest carries the submitter-controlled fields of a block.
// Height, confidence, state and cluster membership are computed here
// and by the engine, never taken from the submitter.
type InsertRequest struct {
	ID           string
	Hash         string
	Parents      []string
	Peer         string
	Attributes   map[string]string
	NetworkDelay float64 // observed propagation delay, ms
}

// BlockUpdate is one engine write-back from an evaluation round.
type BlockUpdate struct {
	ID         string
	Confidence float64
	InKCluster bool
	Streak     int
	State      models.BlockState
}

func NewStore(repo repository.GraphRepository) *Store {
	return &Store{
		repo:     repo,
		vertices: make(map[string]*vertex),
	}
}

// Load rebuilds the adjacency index from storage. Called once at
// startup, before the store is shared.
func (s *Store) Load() error {
	blocks, err := s.repo.GetAllBlocks()
	if err != nil {
		return err
	}
	edges, err := s.repo.GetAllEdges()
	if err != nil {
		return err
	}

	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Timestamp != blocks[j].Timestamp {
			return blocks[i].Timestamp < blocks[j].Timestamp
		}
		return blocks[i].ID < blocks[j].ID
	})

	weights := make(map[string]float64, len(edges))
	for _, e := range edges {
		weights[e.From+":"+e.To] = e.Weight
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.vertices = make(map[string]*vertex, len(blocks))
	s.order = make([]string, 0, len(blocks))
	for _, b := range blocks {
		s.vertices[b.ID] = &vertex{block: *b}
		s.order = append(s.order, b.ID)
	}
	for _, b := range blocks {
		for _, p := range b.Parents {
			pv, ok := s.vertices[p]
			if !ok {
				continue
			}
			pv.children = append(pv.children, b.ID)
			pv.edgeWeight += weights[p+":"+b.ID]
		}
	}
	return nil
}

// InsertBlock validates, cycle-checks and commits a block with its
// parent edges. Validation, the cycle check and the index update all
// happen inside one critical section, and the storage write is a
// single batch, so two concurrent inserts can never both pass a stale
// check.
func (s *Store) InsertBlock(req InsertRequest) (*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vertices[req.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}

	parents := dedupe(req.Parents)
	if len(parents) == 0 && len(s.vertices) > 0 {
		return nil, ErrMissingParents
	}

	var maxParentHeight uint64
	minParentConf := -1.0
	for _, p := range parents {
		if p == req.ID {
			return nil, fmt.Errorf("%w: %s -> %s", ErrCycleDetected, p, req.ID)
		}
		pv, ok := s.vertices[p]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParent, p)
		}
		if s.reachableLocked(req.ID, p) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrCycleDetected, p, req.ID)
		}
		if pv.block.Height > maxParentHeight {
			maxParentHeight = pv.block.Height
		}
		if minParentConf < 0 || pv.block.Confidence < minParentConf {
			minParentConf = pv.block.Confidence
		}
	}

	now := time.Now().UnixMilli()
	block := &models.Block{
		ID:           req.ID,
		Hash:         req.Hash,
		Parents:      parents,
		Peer:         req.Peer,
		Timestamp:    now,
		NetworkDelay: req.NetworkDelay,
		State:        models.Pending,
		Attributes:   req.Attributes,
	}
	if len(parents) > 0 {
		block.Height = maxParentHeight + 1
		block.Confidence = seedConfidence(minParentConf, req.NetworkDelay)
	}

	weight := edgeWeight(req.NetworkDelay)
	edges := make([]*models.Edge, 0, len(parents))
	for _, p := range parents {
		edges = append(edges, &models.Edge{
			From:      p,
			To:        req.ID,
			Weight:    weight,
			CreatedAt: now,
		})
	}

	if err := s.commit(block, edges); err != nil {
		return nil, err
	}

	s.vertices[req.ID] = &vertex{block: *block}
	s.order = append(s.order, req.ID)
	for _, p := range parents {
		pv := s.vertices[p]
		pv.children = append(pv.children, req.ID)
		pv.edgeWeight += weight
	}

	out := *block
	return &out, nil
}

// InsertEdge commits an extra reference between two existing blocks,
// subject to the same cycle check as block insertion. Adding p -> c
// must fail if p is already reachable from c.
func (s *Store) InsertEdge(from, to string, attributes map[string]string) (*models.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fv, ok := s.vertices[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, from)
	}
	tv, ok := s.vertices[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, to)
	}
	if from == to || s.reachableLocked(to, from) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrCycleDetected, from, to)
	}
	for _, c := range fv.children {
		if c == to {
			return nil, fmt.Errorf("%w: edge %s -> %s", ErrDuplicateID, from, to)
		}
	}

	edge := &models.Edge{
		From:       from,
		To:         to,
		Weight:     edgeWeight(tv.block.NetworkDelay),
		Attributes: attributes,
		CreatedAt:  time.Now().UnixMilli(),
	}

	// the edge and the child's new parent set land in one batch: the
	// adjacency rebuilt at startup derives from parent sets, so a
	// half-written pair would blind the cycle check after a restart
	child := cloneBlock(&tv.block)
	child.Parents = append(child.Parents, from)
	var err error
	for attempt := 0; attempt < commitRetries; attempt++ {
		if err = s.repo.CommitEdge(edge, child); err == nil {
			break
		}
		logger.Logger.Warn("edge commit failed, retrying",
			zap.String("from", from), zap.String("to", to),
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	fv.children = append(fv.children, to)
	fv.edgeWeight += edge.Weight
	tv.block.Parents = append(tv.block.Parents, from)
	s.relaxHeightsLocked(to)

	out := *edge
	return &out, nil
}

// reachableLocked reports whether target is reachable from start via
// child edges. BFS with early termination; the visited set also
// defeats non-termination on any accidental pre-existing cycle.
func (s *Store) reachableLocked(start, target string) bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		v, ok := s.vertices[cur]
		if !ok {
			continue
		}
		for _, c := range v.children {
			if !visited[c] {
				visited[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false
}

// relaxHeightsLocked recomputes heights downstream of id after a new
// edge raised its longest path from genesis.
func (s *Store) relaxHeightsLocked(id string) {
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		v, ok := s.vertices[cur]
		if !ok {
			continue
		}
		var h uint64
		for _, p := range v.block.Parents {
			if pv, ok := s.vertices[p]; ok && pv.block.Height+1 > h {
				h = pv.block.Height + 1
			}
		}
		if h == v.block.Height {
			continue
		}
		v.block.Height = h
		if err := s.repo.UpdateBlock(cloneBlock(&v.block)); err != nil {
			logger.Logger.Warn("failed persisting relaxed height",
				zap.String("block_id", cur), zap.Error(err))
		}
		queue = append(queue, v.children...)
	}
}

func (s *Store) commit(block *models.Block, edges []*models.Edge) error {
	var err error
	for attempt := 0; attempt < commitRetries; attempt++ {
		if err = s.repo.CommitBlock(block, edges); err == nil {
			return nil
		}
		logger.Logger.Warn("block commit failed, retrying",
			zap.String("block_id", block.ID), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// GetBlock returns a copy of the block, or ErrNotFound.
func (s *Store) GetBlock(id string) (*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vertices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneBlock(&v.block), nil
}

// GetChildren returns the blocks referencing id, in insertion order.
func (s *Store) GetChildren(id string) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vertices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	children := make([]*models.Block, 0, len(v.children))
	for _, c := range v.children {
		if cv, ok := s.vertices[c]; ok {
			children = append(children, cloneBlock(&cv.block))
		}
	}
	return children, nil
}

// GetAncestors returns the transitive closure of id's parents.
func (s *Store) GetAncestors(id string) (map[string]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vertices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ancestors := make(map[string]*models.Block)
	queue := append([]string(nil), v.block.Parents...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := ancestors[cur]; seen {
			continue
		}
		av, ok := s.vertices[cur]
		if !ok {
			continue
		}
		ancestors[cur] = cloneBlock(&av.block)
		queue = append(queue, av.block.Parents...)
	}
	return ancestors, nil
}

// ListBlocks returns all blocks in insertion order.
func (s *Store) ListBlocks() []*models.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blocks := make([]*models.Block, 0, len(s.order))
	for _, id := range s.order {
		blocks = append(blocks, cloneBlock(&s.vertices[id].block))
	}
	return blocks
}

// Len returns the number of blocks in the graph.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vertices)
}

// History returns a block's recorded state transitions in round order.
func (s *Store) History(id string) ([]*models.Transition, error) {
	s.mu.RLock()
	_, ok := s.vertices[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.repo.GetTransitions(id)
}

// ApplyEvaluation writes back the results of one evaluation round.
// Confidence is clamped to never regress, terminal states are never
// overwritten, and every state change is recorded with its round.
func (s *Store) ApplyEvaluation(round uint64, updates []BlockUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, u := range updates {
		v, ok := s.vertices[u.ID]
		if !ok {
			continue
		}
		b := &v.block
		if b.State.Terminal() {
			continue
		}

		prevState := b.State
		if u.Confidence > b.Confidence {
			b.Confidence = u.Confidence
		}
		if b.Confidence > 100 {
			b.Confidence = 100
		}
		b.InKCluster = u.InKCluster
		b.KClusterStreak = u.Streak
		if u.State != prevState && prevState.CanTransition(u.State) {
			b.State = u.State
		}

		if err := s.repo.UpdateBlock(cloneBlock(b)); err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if b.State != prevState {
			t := &models.Transition{
				BlockID:    b.ID,
				From:       prevState,
				To:         b.State,
				Round:      round,
				Confidence: b.Confidence,
				At:         now,
			}
			if err := s.repo.AppendTransition(t); err != nil {
				logger.Logger.Warn("failed recording transition",
					zap.String("block_id", b.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// Checkpoint persists the confirmed frontier at the given round.
func (s *Store) Checkpoint(round uint64) error {
	s.mu.RLock()
	var confirmed []string
	for _, id := range s.order {
		if s.vertices[id].block.State == models.Confirmed {
			confirmed = append(confirmed, id)
		}
	}
	s.mu.RUnlock()

	now := time.Now().UnixMilli()
	return s.repo.PutCheckpoint(&models.Checkpoint{
		ID:        fmt.Sprintf("%016d", round),
		Round:     round,
		Confirmed: confirmed,
		Timestamp: now,
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func cloneBlock(b *models.Block) *models.Block {
	out := *b
	out.Parents = append([]string(nil), b.Parents...)
	if b.Attributes != nil {
		attrs := make(map[string]string, len(b.Attributes))
		for k, v := range b.Attributes {
			attrs[k] = v
		}
		out.Attributes = attrs
	}
	return &out
}

// seedConfidence gives a new block its starting confidence from its
// weakest parent, damped by its own observed delay. The engine only
// ever raises it from here.
func seedConfidence(minParentConf, delayMillis float64) float64 {
	if minParentConf < 0 {
		minParentConf = 0
	}
	c := minParentConf*0.8 + (100.0/(1.0+delayMillis/1000.0))*0.2
	if c > 100 {
		c = 100
	}
	return c
}

// edgeWeight biases an edge by the inverse of the child's observed
// delay: fast-propagating references count for more.
func edgeWeight(delayMillis float64) float64 {
	return 1.0 / (1.0 + delayMillis/1000.0)
}
