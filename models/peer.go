package models

// PeerStatus is the liveness state of a network peer.
type PeerStatus int

const (
	PeerActive PeerStatus = iota
	PeerInactive
	PeerValidating
	PeerSyncing
)

var peerStatusNames = map[PeerStatus]string{
	PeerActive:     "Active",
	PeerInactive:   "Inactive",
	PeerValidating: "Validating",
	PeerSyncing:    "Syncing",
}

func (s PeerStatus) String() string {
	if n, ok := peerStatusNames[s]; ok {
		return n
	}
	return "Unknown"
}

// CanTransition reports whether s -> to is a legal status change.
// Validating and Syncing always return to Active; Inactive peers must
// resync before becoming Active again.
func (s PeerStatus) CanTransition(to PeerStatus) bool {
	if s == to {
		return false
	}
	switch s {
	case PeerActive:
		return to == PeerInactive || to == PeerValidating || to == PeerSyncing
	case PeerInactive:
		return to == PeerSyncing
	case PeerValidating:
		return to == PeerActive || to == PeerInactive
	case PeerSyncing:
		return to == PeerActive || to == PeerInactive
	default:
		return false
	}
}

// Peer is a network participant submitting blocks. Created on first
// contact; avg_delay is maintained by the delay tracker.
type Peer struct {
	ID              string     `json:"id"`
	Address         string     `json:"address"`
	LastSeen        int64      `json:"last_seen"` // unix ms
	Status          PeerStatus `json:"status"`
	AvgDelay        float64    `json:"avg_delay"` // rolling estimate, ms
	DelaySamples    int        `json:"delay_samples"`
	BlocksValidated uint64     `json:"blocks_validated"`
}
