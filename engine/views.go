package engine

import (
	"knightdag/delay"
	"knightdag/models"
)

// Read-only surface consumed by the API layer. Everything returns
// copies; nothing here can mutate engine state.

func (e *Engine) ListBlocks() []*models.Block {
	return e.store.ListBlocks()
}

func (e *Engine) GetBlock(id string) (*models.Block, error) {
	return e.store.GetBlock(id)
}

func (e *Engine) GetChildren(id string) ([]*models.Block, error) {
	return e.store.GetChildren(id)
}

func (e *Engine) History(id string) ([]*models.Transition, error) {
	return e.store.History(id)
}

// KClusterBlocks returns the blocks marked members in the last round.
func (e *Engine) KClusterBlocks() []*models.Block {
	var out []*models.Block
	for _, b := range e.store.ListBlocks() {
		if b.InKCluster {
			out = append(out, b)
		}
	}
	return out
}

// ConfirmedBlocks returns all blocks in the Confirmed state.
func (e *Engine) ConfirmedBlocks() []*models.Block {
	var out []*models.Block
	for _, b := range e.store.ListBlocks() {
		if b.State == models.Confirmed {
			out = append(out, b)
		}
	}
	return out
}

func (e *Engine) ActivePeers() []*models.Peer {
	return e.registry.Active()
}

func (e *Engine) AllPeers() []*models.Peer {
	return e.registry.All()
}

// Distribution exposes the current network delay summary.
func (e *Engine) Distribution() delay.Summary {
	return e.tracker.NetworkDistribution()
}

// SelectTip suggests a frontier block for producers to build on.
func (e *Engine) SelectTip() (*models.Block, error) {
	return e.store.SelectTip()
}

// SubmitEdge commits an extra reference between two existing blocks.
func (e *Engine) SubmitEdge(from, to string, attributes map[string]string) (*models.Edge, error) {
	return e.store.InsertEdge(from, to, attributes)
}

// TouchPeer registers or refreshes a peer from the transport.
func (e *Engine) TouchPeer(id, address string) *models.Peer {
	return e.registry.Touch(id, address)
}

// PeerHeartbeat refreshes a peer's liveness.
func (e *Engine) PeerHeartbeat(id string) (*models.Peer, error) {
	return e.registry.Heartbeat(id)
}
