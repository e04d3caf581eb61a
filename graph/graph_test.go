package graph_test

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"knightdag/graph"
	"knightdag/models"
	"knightdag/repository"
)

func newStore(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.NewStore(repository.NewMemoryRepository())
	require.NoError(t, s.Load())
	return s
}

func insert(t *testing.T, s *graph.Store, id string, parents ...string) *models.Block {
	t.Helper()
	b, err := s.InsertBlock(graph.InsertRequest{ID: id, Parents: parents, Peer: "peer1"})
	require.NoError(t, err)
	return b
}

func TestInsertBlockHeights(t *testing.T) {
	s := newStore(t)

	g := insert(t, s, "G")
	require.Equal(t, uint64(0), g.Height)

	a := insert(t, s, "A", "G")
	b := insert(t, s, "B", "G")
	require.Equal(t, uint64(1), a.Height)
	require.Equal(t, uint64(1), b.Height)

	c := insert(t, s, "C", "A", "B")
	require.Equal(t, uint64(2), c.Height)
}

func TestInsertBlockRejections(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")

	_, err := s.InsertBlock(graph.InsertRequest{ID: "G", Parents: []string{}})
	require.ErrorIs(t, err, graph.ErrDuplicateID)

	_, err = s.InsertBlock(graph.InsertRequest{ID: "X", Parents: []string{"nope"}})
	require.ErrorIs(t, err, graph.ErrUnknownParent)

	_, err = s.InsertBlock(graph.InsertRequest{ID: "X"})
	require.ErrorIs(t, err, graph.ErrMissingParents)

	_, err = s.InsertBlock(graph.InsertRequest{ID: "X", Parents: []string{"X"}})
	require.ErrorIs(t, err, graph.ErrCycleDetected)

	// nothing partial stuck around
	require.Equal(t, 1, s.Len())
	_, err = s.GetBlock("X")
	require.ErrorIs(t, err, graph.ErrNotFound)
}

func TestInsertEdgeCycleDetection(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")
	insert(t, s, "A", "G")
	insert(t, s, "B", "A")
	insert(t, s, "C", "B")

	// C -> G closes the loop G -> A -> B -> C
	_, err := s.InsertEdge("C", "G", nil)
	require.ErrorIs(t, err, graph.ErrCycleDetected)

	_, err = s.InsertEdge("G", "G", nil)
	require.ErrorIs(t, err, graph.ErrCycleDetected)

	// a failed edge leaves the graph untouched
	children, err := s.GetChildren("C")
	require.NoError(t, err)
	require.Empty(t, children)

	// skipping levels forward is fine
	_, err = s.InsertEdge("G", "C", nil)
	require.NoError(t, err)
}

func TestInsertEdgeRaisesHeights(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")
	insert(t, s, "A", "G")
	insert(t, s, "B", "G")
	insert(t, s, "C", "B")

	// A gains parent C: its longest path grows through B
	_, err := s.InsertEdge("C", "A", nil)
	require.NoError(t, err)

	a, err := s.GetBlock("A")
	require.NoError(t, err)
	require.Equal(t, uint64(3), a.Height)
}

func TestGetChildrenInsertionOrder(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")
	insert(t, s, "b", "G")
	insert(t, s, "a", "G")
	insert(t, s, "c", "G")

	children, err := s.GetChildren("G")
	require.NoError(t, err)
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	require.Equal(t, []string{"b", "a", "c"}, ids)
}

func TestGetAncestors(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")
	insert(t, s, "A", "G")
	insert(t, s, "B", "G")
	insert(t, s, "C", "A", "B")

	anc, err := s.GetAncestors("C")
	require.NoError(t, err)
	require.Len(t, anc, 3)
	require.Contains(t, anc, "G")
	require.Contains(t, anc, "A")
	require.Contains(t, anc, "B")

	anc, err = s.GetAncestors("G")
	require.NoError(t, err)
	require.Empty(t, anc)
}

// Random DAG-respecting insertion orders must always succeed and never
// yield a cycle; the height invariant must hold throughout.
func TestRandomInsertionsStayAcyclic(t *testing.T) {
	s := newStore(t)
	rnd := rand.New(rand.NewSource(42))

	ids := []string{"G"}
	insert(t, s, "G")
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("blk-%03d", i)
		nparents := 1 + rnd.Intn(3)
		if nparents > len(ids) {
			nparents = len(ids)
		}
		seen := map[string]bool{}
		var parents []string
		for len(parents) < nparents {
			p := ids[rnd.Intn(len(ids))]
			if !seen[p] {
				seen[p] = true
				parents = append(parents, p)
			}
		}
		insert(t, s, id, parents...)
		ids = append(ids, id)
	}

	blocks := s.ListBlocks()
	byID := make(map[string]*models.Block, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}

	// height(b) == 1 + max(height(parents))
	for _, b := range blocks {
		if len(b.Parents) == 0 {
			require.Equal(t, uint64(0), b.Height)
			continue
		}
		var want uint64
		for _, p := range b.Parents {
			if byID[p].Height+1 > want {
				want = byID[p].Height + 1
			}
		}
		require.Equal(t, want, b.Height, "height invariant broken for %s", b.ID)
	}

	// Kahn's algorithm consumes every vertex iff the graph is acyclic
	indeg := make(map[string]int, len(blocks))
	for _, b := range blocks {
		indeg[b.ID] = len(b.Parents)
	}
	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed++
		children, err := s.GetChildren(cur)
		require.NoError(t, err)
		for _, c := range children {
			indeg[c.ID]--
			if indeg[c.ID] == 0 {
				queue = append(queue, c.ID)
			}
		}
	}
	require.Equal(t, len(blocks), processed, "graph contains a cycle")
}

func TestConcurrentDisjointInserts(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")
	insert(t, s, "L", "G")
	insert(t, s, "R", "G")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, tc := range []struct{ id, parent string }{{"L1", "L"}, {"R1", "R"}} {
		wg.Add(1)
		go func(i int, id, parent string) {
			defer wg.Done()
			_, errs[i] = s.InsertBlock(graph.InsertRequest{ID: id, Parents: []string{parent}})
		}(i, tc.id, tc.parent)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 5, s.Len())
}

// Two concurrent edge inserts that would jointly close a cycle must
// resolve to exactly one success and one CycleDetected.
func TestConcurrentCyclicEdgeInserts(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")
	insert(t, s, "P", "G")
	insert(t, s, "Q", "G")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.InsertEdge("P", "Q", nil)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.InsertEdge("Q", "P", nil)
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, graph.ErrCycleDetected)
			failures++
		}
	}
	require.Equal(t, 1, failures, "exactly one of the two edges must be rejected")
}

func TestApplyEvaluationMonotoneAndRecorded(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")

	require.NoError(t, s.ApplyEvaluation(1, []graph.BlockUpdate{{
		ID: "G", Confidence: 40, InKCluster: true, Streak: 1, State: models.InKCluster,
	}}))

	// a lower confidence write-back never regresses the stored value
	require.NoError(t, s.ApplyEvaluation(2, []graph.BlockUpdate{{
		ID: "G", Confidence: 10, InKCluster: true, Streak: 2, State: models.InKCluster,
	}}))

	g, err := s.GetBlock("G")
	require.NoError(t, err)
	require.Equal(t, 40.0, g.Confidence)
	require.Equal(t, models.InKCluster, g.State)

	require.NoError(t, s.ApplyEvaluation(3, []graph.BlockUpdate{{
		ID: "G", Confidence: 90, InKCluster: true, Streak: 3, State: models.Confirmed,
	}}))

	// terminal state freezes everything
	require.NoError(t, s.ApplyEvaluation(4, []graph.BlockUpdate{{
		ID: "G", Confidence: 95, InKCluster: false, Streak: 0, State: models.InKCluster,
	}}))

	g, err = s.GetBlock("G")
	require.NoError(t, err)
	require.Equal(t, 90.0, g.Confidence)
	require.Equal(t, models.Confirmed, g.State)

	history, err := s.History("G")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.Pending, history[0].From)
	require.Equal(t, models.InKCluster, history[0].To)
	require.Equal(t, uint64(1), history[0].Round)
	require.Equal(t, models.Confirmed, history[1].To)
	require.Equal(t, uint64(3), history[1].Round)
}

// flakyRepo fails CommitBlock a fixed number of times before letting
// the underlying repository succeed.
type flakyRepo struct {
	*repository.MemoryRepository
	failures int
}

func (f *flakyRepo) CommitBlock(b *models.Block, edges []*models.Edge) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("simulated write conflict")
	}
	return f.MemoryRepository.CommitBlock(b, edges)
}

func TestTransientFailuresRetried(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: repository.NewMemoryRepository(), failures: 2}
	s := graph.NewStore(repo)
	require.NoError(t, s.Load())

	_, err := s.InsertBlock(graph.InsertRequest{ID: "G"})
	require.NoError(t, err)

	repo.failures = 100
	_, err = s.InsertBlock(graph.InsertRequest{ID: "A", Parents: []string{"G"}})
	require.ErrorIs(t, err, graph.ErrTransient)
	require.Equal(t, 1, s.Len())
}

// flakyEdgeRepo fails CommitEdge a fixed number of times.
type flakyEdgeRepo struct {
	*repository.MemoryRepository
	failures int
}

func (f *flakyEdgeRepo) CommitEdge(e *models.Edge, child *models.Block) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("simulated write conflict")
	}
	return f.MemoryRepository.CommitEdge(e, child)
}

// A failed edge commit must leave no trace: neither the edge record
// nor the child's updated parent set may persist, and a restarted
// store must agree with the live one on which direction is legal.
func TestInsertEdgeFailureLeavesNoPartialState(t *testing.T) {
	repo := &flakyEdgeRepo{MemoryRepository: repository.NewMemoryRepository(), failures: 100}
	s := graph.NewStore(repo)
	require.NoError(t, s.Load())
	insert(t, s, "G")
	insert(t, s, "A", "G")
	insert(t, s, "B", "G")

	_, err := s.InsertEdge("A", "B", nil)
	require.ErrorIs(t, err, graph.ErrTransient)

	b, err := s.GetBlock("B")
	require.NoError(t, err)
	require.Equal(t, []string{"G"}, b.Parents)

	edges, err := repo.GetAllEdges()
	require.NoError(t, err)
	for _, e := range edges {
		require.False(t, e.From == "A" && e.To == "B", "failed edge must not persist")
	}

	repo.failures = 0
	s2 := graph.NewStore(repo)
	require.NoError(t, s2.Load())
	_, err = s2.InsertEdge("B", "A", nil)
	require.NoError(t, err)
	_, err = s2.InsertEdge("A", "B", nil)
	require.ErrorIs(t, err, graph.ErrCycleDetected)
}

func TestSnapshotFrontier(t *testing.T) {
	s := newStore(t)
	insert(t, s, "G")
	insert(t, s, "A", "G")
	insert(t, s, "B", "G")

	snap := s.Snapshot()
	require.Equal(t, []string{"A", "B"}, snap.Frontier)
	require.Equal(t, uint64(1), snap.MaxHeight)
	require.True(t, snap.IsDescendant("G", "A"))
	require.False(t, snap.IsDescendant("A", "B"))

	// a snapshot is isolated from later inserts
	insert(t, s, "C", "A")
	require.Len(t, snap.Blocks, 3)
}
