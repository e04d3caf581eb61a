// Package peers tracks the network participants attributed with block
// submissions: liveness status, rolling delay and validation counts.
package peers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"knightdag/logger"
	"knightdag/models"
	"knightdag/repository"
)

// ErrUnknownPeer means the peer has never made contact.
var ErrUnknownPeer = errors.New("unknown peer")

// ErrIllegalTransition means the requested status change is not
// permitted by the peer state machine.
var ErrIllegalTransition = errors.New("illegal peer status transition")

// Registry is the authority for peer state. Peers are created on
// first contact; every mutation goes through a legal-transition check.
type Registry struct {
	repo repository.GraphRepository

	mu    sync.RWMutex
	peers map[string]*models.Peer
}

func NewRegistry(repo repository.GraphRepository) *Registry {
	return &Registry{
		repo:  repo,
		peers: make(map[string]*models.Peer),
	}
}

// Load rebuilds the registry from storage at startup.
func (r *Registry) Load() error {
	stored, err := r.repo.GetAllPeers()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*models.Peer, len(stored))
	for _, p := range stored {
		cp := *p
		r.peers[p.ID] = &cp
	}
	return nil
}

// Touch registers a peer on first contact and refreshes last_seen.
// Inactive peers re-enter through Syncing, not straight to Active.
func (r *Registry) Touch(id, address string) *models.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		p = &models.Peer{
			ID:       id,
			Address:  address,
			Status:   models.PeerActive,
			LastSeen: time.Now().UnixMilli(),
		}
		r.peers[id] = p
		r.persistLocked(p)
		out := *p
		return &out
	}

	p.LastSeen = time.Now().UnixMilli()
	if address != "" {
		p.Address = address
	}
	if p.Status == models.PeerInactive {
		r.transitionLocked(p, models.PeerSyncing)
	}
	r.persistLocked(p)
	out := *p
	return &out
}

// Heartbeat refreshes liveness; a Syncing peer that heartbeats is
// considered caught up and returns to Active.
func (r *Registry) Heartbeat(id string) (*models.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	p.LastSeen = time.Now().UnixMilli()
	switch p.Status {
	case models.PeerInactive:
		r.transitionLocked(p, models.PeerSyncing)
	case models.PeerSyncing:
		r.transitionLocked(p, models.PeerActive)
	}
	r.persistLocked(p)
	out := *p
	return &out, nil
}

// RecordValidation marks one block validated by the peer, stepping it
// through Validating and back to Active.
func (r *Registry) RecordValidation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return
	}
	if p.Status == models.PeerActive {
		r.transitionLocked(p, models.PeerValidating)
	}
	p.BlocksValidated++
	p.LastSeen = time.Now().UnixMilli()
	if p.Status == models.PeerValidating {
		r.transitionLocked(p, models.PeerActive)
	}
	r.persistLocked(p)
}

// UpdateDelay stores the tracker's current estimate on the peer.
func (r *Registry) UpdateDelay(id string, delay float64, samples int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return
	}
	p.AvgDelay = delay
	p.DelaySamples = samples
	r.persistLocked(p)
}

// Sweep marks peers Inactive when their last contact is older than
// the timeout. The timeout is supplied by the caller, derived from
// the live delay distribution rather than a constant.
func (r *Registry) Sweep(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout).UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	marked := 0
	for _, p := range r.peers {
		if p.Status == models.PeerInactive || p.LastSeen >= cutoff {
			continue
		}
		if r.transitionLocked(p, models.PeerInactive) == nil {
			r.persistLocked(p)
			marked++
		}
	}
	return marked
}

// Get returns a copy of one peer.
func (r *Registry) Get(id string) (*models.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	out := *p
	return &out, nil
}

// Active returns all peers currently in the Active state.
func (r *Registry) Active() []*models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Peer
	for _, p := range r.peers {
		if p.Status == models.PeerActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// All returns every known peer.
func (r *Registry) All() []*models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (r *Registry) transitionLocked(p *models.Peer, to models.PeerStatus) error {
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, to)
	}
	p.Status = to
	return nil
}

func (r *Registry) persistLocked(p *models.Peer) {
	cp := *p
	if err := r.repo.PutPeer(&cp); err != nil {
		logger.Logger.Warn("failed persisting peer",
			zap.String("peer_id", p.ID), zap.Error(err))
	}
}
