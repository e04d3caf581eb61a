package graph

import (
	"time"

	"knightdag/models"
)

// Snapshot is a consistent copy of the graph taken at one instant.
// Evaluation passes work exclusively against snapshots, so ingestion
// never waits on evaluation and a pass never sees half an insert.
type Snapshot struct {
	Blocks        map[string]models.Block
	Children      map[string][]string // insertion order
	EdgeWeightSum map[string]float64  // per block, outgoing approval weight
	Order         []string            // insertion order
	Frontier      []string            // non-stale tips, insertion order
	MaxHeight     uint64
	TakenAt       int64 // unix ms
}

// Snapshot copies the adjacency index under the read lock.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Blocks:        make(map[string]models.Block, len(s.vertices)),
		Children:      make(map[string][]string, len(s.vertices)),
		EdgeWeightSum: make(map[string]float64, len(s.vertices)),
		Order:         append([]string(nil), s.order...),
		TakenAt:       time.Now().UnixMilli(),
	}
	for _, id := range s.order {
		v := s.vertices[id]
		snap.Blocks[id] = *cloneBlock(&v.block)
		snap.Children[id] = append([]string(nil), v.children...)
		snap.EdgeWeightSum[id] = v.edgeWeight
		if v.block.Height > snap.MaxHeight {
			snap.MaxHeight = v.block.Height
		}
		if len(v.children) == 0 && v.block.State != models.Stale {
			snap.Frontier = append(snap.Frontier, id)
		}
	}
	return snap
}

// IsDescendant reports whether candidate is reachable from ancestor
// via child edges in this snapshot.
func (sn *Snapshot) IsDescendant(ancestor, candidate string) bool {
	if ancestor == candidate {
		return false
	}
	visited := map[string]bool{ancestor: true}
	queue := []string{ancestor}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range sn.Children[cur] {
			if c == candidate {
				return true
			}
			if !visited[c] {
				visited[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false
}
