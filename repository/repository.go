package repository

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"knightdag/db"
	"knightdag/models"
)

// Key prefixes. Edges are stored twice: once under the source id and
// once under the target id, so traversal is cheap in both directions.
const (
	blockPrefix      = "block:"
	edgePrefix       = "edge:"  // edge:<from>:<to>
	redgePrefix      = "redge:" // redge:<to>:<from>
	peerPrefix       = "peer:"
	histPrefix       = "hist:" // hist:<block>:<round>
	checkpointPrefix = "checkpoint:"
)

// GraphRepository abstracts the storage layer from the engine. All
// block-plus-edges writes go through CommitBlock or CommitEdge, which
// are atomic: a block never becomes visible without its edges or vice
// versa, and an edge never lands without the child's updated parents.
type GraphRepository interface {
	CommitBlock(block *models.Block, edges []*models.Edge) error
	CommitEdge(e *models.Edge, child *models.Block) error
	UpdateBlock(block *models.Block) error
	GetBlock(id string) (*models.Block, error)
	HasBlock(id string) (bool, error)
	GetAllBlocks() ([]*models.Block, error)
	DeleteBlock(id string) error

	PutEdge(e *models.Edge) error
	EdgesFrom(id string) ([]*models.Edge, error)
	EdgesTo(id string) ([]*models.Edge, error)
	GetAllEdges() ([]*models.Edge, error)

	PutPeer(peer *models.Peer) error
	GetPeer(id string) (*models.Peer, error)
	GetAllPeers() ([]*models.Peer, error)

	AppendTransition(t *models.Transition) error
	GetTransitions(blockID string) ([]*models.Transition, error)

	PutCheckpoint(cp *models.Checkpoint) error
	GetLatestCheckpoint() (*models.Checkpoint, error)
}

// LevelDBRepository implements GraphRepository on top of LevelDB
type LevelDBRepository struct {
	db *db.LevelDB
}

// NewLevelDBRepository creates and returns a new LevelDBRepository
func NewLevelDBRepository(db *db.LevelDB) *LevelDBRepository {
	return &LevelDBRepository{db: db}
}

func blockKey(id string) []byte { return []byte(blockPrefix + id) }

func edgeKey(from, to string) []byte  { return []byte(edgePrefix + from + ":" + to) }
func redgeKey(from, to string) []byte { return []byte(redgePrefix + to + ":" + from) }

func histKey(blockID string, round uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d", histPrefix, blockID, round))
}

// CommitBlock writes a block and its parent edges in a single batch.
// LevelDB applies the batch atomically, which gives the all-or-nothing
// transaction the cycle check relies on.
func (r *LevelDBRepository) CommitBlock(block *models.Block, edges []*models.Edge) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(blockKey(block.ID), data)
	for _, e := range edges {
		ev, err := json.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put(edgeKey(e.From, e.To), ev)
		batch.Put(redgeKey(e.From, e.To), ev)
	}
	return r.db.Write(batch)
}

// CommitEdge writes an edge and the child's updated parent set in a
// single batch. The adjacency rebuilt at startup derives from the
// parent sets, so the two records must never diverge.
func (r *LevelDBRepository) CommitEdge(e *models.Edge, child *models.Block) error {
	ev, err := json.Marshal(e)
	if err != nil {
		return err
	}
	bv, err := json.Marshal(child)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(edgeKey(e.From, e.To), ev)
	batch.Put(redgeKey(e.From, e.To), ev)
	batch.Put(blockKey(child.ID), bv)
	return r.db.Write(batch)
}

// UpdateBlock overwrites the stored block record
func (r *LevelDBRepository) UpdateBlock(block *models.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return r.db.Put(blockKey(block.ID), data)
}

// GetBlock retrieves a block by its ID; returns (nil, nil) when absent
func (r *LevelDBRepository) GetBlock(id string) (*models.Block, error) {
	data, err := r.db.Get(blockKey(id))
	if err != nil {
		if db.ErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var block models.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// HasBlock reports whether a block exists
func (r *LevelDBRepository) HasBlock(id string) (bool, error) {
	return r.db.Has(blockKey(id))
}

// GetAllBlocks retrieves all blocks from storage
func (r *LevelDBRepository) GetAllBlocks() ([]*models.Block, error) {
	iter := r.db.NewPrefixIterator([]byte(blockPrefix))
	defer iter.Release()

	var blocks []*models.Block
	for iter.Next() {
		var block models.Block
		if err := json.Unmarshal(iter.Value(), &block); err != nil {
			return nil, err
		}
		blocks = append(blocks, &block)
	}
	return blocks, iter.Error()
}

// DeleteBlock removes a block, cascading to its edges in both
// directions and to its transition history.
func (r *LevelDBRepository) DeleteBlock(id string) error {
	batch := new(leveldb.Batch)
	batch.Delete(blockKey(id))

	out, err := r.EdgesFrom(id)
	if err != nil {
		return err
	}
	in, err := r.EdgesTo(id)
	if err != nil {
		return err
	}
	for _, e := range append(out, in...) {
		batch.Delete(edgeKey(e.From, e.To))
		batch.Delete(redgeKey(e.From, e.To))
	}

	iter := r.db.NewPrefixIterator([]byte(histPrefix + id + ":"))
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		batch.Delete(k)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	return r.db.Write(batch)
}

func (r *LevelDBRepository) scanEdges(prefix string) ([]*models.Edge, error) {
	iter := r.db.NewPrefixIterator([]byte(prefix))
	defer iter.Release()

	var edges []*models.Edge
	for iter.Next() {
		var e models.Edge
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		edges = append(edges, &e)
	}
	return edges, iter.Error()
}

// PutEdge stores a single edge under both direction indexes atomically
func (r *LevelDBRepository) PutEdge(e *models.Edge) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(edgeKey(e.From, e.To), data)
	batch.Put(redgeKey(e.From, e.To), data)
	return r.db.Write(batch)
}

// EdgesFrom returns all edges whose source is the given block
func (r *LevelDBRepository) EdgesFrom(id string) ([]*models.Edge, error) {
	return r.scanEdges(edgePrefix + id + ":")
}

// EdgesTo returns all edges whose target is the given block
func (r *LevelDBRepository) EdgesTo(id string) ([]*models.Edge, error) {
	return r.scanEdges(redgePrefix + id + ":")
}

// GetAllEdges returns every edge, scanning the forward index only
func (r *LevelDBRepository) GetAllEdges() ([]*models.Edge, error) {
	return r.scanEdges(edgePrefix)
}

// PutPeer stores a peer record
func (r *LevelDBRepository) PutPeer(peer *models.Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(peerPrefix+peer.ID), data)
}

// GetPeer retrieves a peer by ID; returns (nil, nil) when absent
func (r *LevelDBRepository) GetPeer(id string) (*models.Peer, error) {
	data, err := r.db.Get([]byte(peerPrefix + id))
	if err != nil {
		if db.ErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var peer models.Peer
	if err := json.Unmarshal(data, &peer); err != nil {
		return nil, err
	}
	return &peer, nil
}

// GetAllPeers retrieves all peer records
func (r *LevelDBRepository) GetAllPeers() ([]*models.Peer, error) {
	iter := r.db.NewPrefixIterator([]byte(peerPrefix))
	defer iter.Release()

	var peers []*models.Peer
	for iter.Next() {
		var peer models.Peer
		if err := json.Unmarshal(iter.Value(), &peer); err != nil {
			return nil, err
		}
		peers = append(peers, &peer)
	}
	return peers, iter.Error()
}

// AppendTransition records a confirmation state change. Keys embed the
// zero-padded round so iteration yields history in round order.
func (r *LevelDBRepository) AppendTransition(t *models.Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.db.Put(histKey(t.BlockID, t.Round), data)
}

// GetTransitions returns a block's state history in round order
func (r *LevelDBRepository) GetTransitions(blockID string) ([]*models.Transition, error) {
	iter := r.db.NewPrefixIterator([]byte(histPrefix + blockID + ":"))
	defer iter.Release()

	var ts []*models.Transition
	for iter.Next() {
		var t models.Transition
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, err
		}
		ts = append(ts, &t)
	}
	return ts, iter.Error()
}

// PutCheckpoint stores a checkpoint of the confirmed frontier
func (r *LevelDBRepository) PutCheckpoint(cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(checkpointPrefix+cp.ID), data)
}

// GetLatestCheckpoint retrieves the most recent checkpoint, if any
func (r *LevelDBRepository) GetLatestCheckpoint() (*models.Checkpoint, error) {
	iter := r.db.NewPrefixIterator([]byte(checkpointPrefix))
	defer iter.Release()

	var latest *models.Checkpoint
	for iter.Next() {
		var cp models.Checkpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, err
		}
		if latest == nil || cp.Timestamp > latest.Timestamp {
			latest = &cp
		}
	}
	return latest, iter.Error()
}
