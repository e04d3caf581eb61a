package repository

import (
	"sort"
	"strings"
	"sync"

	"knightdag/models"
)

// MemoryRepository is an in-memory GraphRepository. It backs tests
// and embedded runs where durability is not needed, mirroring the
// LevelDB implementation's semantics including atomic CommitBlock.
type MemoryRepository struct {
	mu          sync.RWMutex
	blocks      map[string]*models.Block
	edges       map[string]*models.Edge // from:to
	peers       map[string]*models.Peer
	transitions map[string][]*models.Transition
	checkpoints []*models.Checkpoint
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		blocks:      make(map[string]*models.Block),
		edges:       make(map[string]*models.Edge),
		peers:       make(map[string]*models.Peer),
		transitions: make(map[string][]*models.Transition),
	}
}

func (r *MemoryRepository) CommitBlock(block *models.Block, edges []*models.Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := *block
	r.blocks[block.ID] = &b
	for _, e := range edges {
		ec := *e
		r.edges[e.From+":"+e.To] = &ec
	}
	return nil
}

func (r *MemoryRepository) CommitEdge(e *models.Edge, child *models.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ec := *e
	r.edges[e.From+":"+e.To] = &ec
	b := *child
	r.blocks[child.ID] = &b
	return nil
}

func (r *MemoryRepository) UpdateBlock(block *models.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := *block
	r.blocks[block.ID] = &b
	return nil
}

func (r *MemoryRepository) GetBlock(id string) (*models.Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) HasBlock(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocks[id]
	return ok, nil
}

func (r *MemoryRepository) GetAllBlocks() ([]*models.Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Block, 0, len(r.blocks))
	for _, b := range r.blocks {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) DeleteBlock(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocks, id)
	for k, e := range r.edges {
		if e.From == id || e.To == id {
			delete(r.edges, k)
		}
	}
	delete(r.transitions, id)
	return nil
}

func (r *MemoryRepository) PutEdge(e *models.Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ec := *e
	r.edges[e.From+":"+e.To] = &ec
	return nil
}

func (r *MemoryRepository) EdgesFrom(id string) ([]*models.Edge, error) {
	return r.filterEdges(func(e *models.Edge) bool { return e.From == id })
}

func (r *MemoryRepository) EdgesTo(id string) ([]*models.Edge, error) {
	return r.filterEdges(func(e *models.Edge) bool { return e.To == id })
}

func (r *MemoryRepository) GetAllEdges() ([]*models.Edge, error) {
	return r.filterEdges(func(*models.Edge) bool { return true })
}

func (r *MemoryRepository) filterEdges(keep func(*models.Edge) bool) ([]*models.Edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.edges))
	for k := range r.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []*models.Edge
	for _, k := range keys {
		if e := r.edges[k]; keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) PutPeer(peer *models.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := *peer
	r.peers[peer.ID] = &p
	return nil
}

func (r *MemoryRepository) GetPeer(id string) (*models.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) GetAllPeers() ([]*models.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) AppendTransition(t *models.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc := *t
	r.transitions[t.BlockID] = append(r.transitions[t.BlockID], &tc)
	return nil
}

func (r *MemoryRepository) GetTransitions(blockID string) ([]*models.Transition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := r.transitions[blockID]
	out := make([]*models.Transition, 0, len(ts))
	for _, t := range ts {
		tc := *t
		out = append(out, &tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

func (r *MemoryRepository) PutCheckpoint(cp *models.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *cp
	r.checkpoints = append(r.checkpoints, &c)
	return nil
}

func (r *MemoryRepository) GetLatestCheckpoint() (*models.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.Checkpoint
	for _, cp := range r.checkpoints {
		if latest == nil || cp.Timestamp > latest.Timestamp ||
			(cp.Timestamp == latest.Timestamp && strings.Compare(cp.ID, latest.ID) > 0) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}
