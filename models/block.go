package models

// BlockState tracks a block through the confirmation state machine.
type BlockState int

const (
	// Pending is the initial state of every non-genesis block.
	Pending BlockState = iota
	// InKCluster means the block is a member of the current k-cluster.
	InKCluster
	// Confirmed is terminal; confidence is frozen at or above the
	// confirmation threshold and never revisited.
	Confirmed
	// Stale is terminal; the block lost to a competing branch. It stays
	// in the graph for auditability but is excluded from the frontier.
	Stale
)

var blockStateNames = map[BlockState]string{
	Pending:    "Pending",
	InKCluster: "InKCluster",
	Confirmed:  "Confirmed",
	Stale:      "Stale",
}

func (s BlockState) String() string {
	if n, ok := blockStateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s BlockState) Terminal() bool {
	return s == Confirmed || s == Stale
}

// CanTransition reports whether s -> to is a legal transition.
// Pending -> InKCluster -> Confirmed, with InKCluster -> Pending when a
// block drops out of the cluster, and Pending -> Stale when superseded.
func (s BlockState) CanTransition(to BlockState) bool {
	switch s {
	case Pending:
		return to == InKCluster || to == Stale
	case InKCluster:
		return to == Confirmed || to == Pending
	default:
		return false
	}
}

// Block is a vertex in the DAG. Height, confidence, state and cluster
// membership are always computed by the engine, never by the submitter.
type Block struct {
	ID             string            `json:"id"`                // unique id (content hash)
	Hash           string            `json:"hash,omitempty"`    // hash of the block payload
	Parents        []string          `json:"parents"`           // parent block IDs
	Peer           string            `json:"peer,omitempty"`    // submitting peer
	Timestamp      int64             `json:"timestamp"`         // arrival time, unix ms
	Height         uint64            `json:"height"`            // longest path from genesis
	Confidence     float64           `json:"confidence"`        // 0-100, monotone until terminal
	InKCluster     bool              `json:"in_k_cluster"`      // membership in the last round
	KClusterStreak int               `json:"k_cluster_streak"`  // consecutive rounds of membership
	NetworkDelay   float64           `json:"network_delay"`     // observed propagation delay, ms
	State          BlockState        `json:"state"`             // confirmation state
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Edge is a directed parent -> child reference. Edges are immutable
// once committed; deleting a block cascades its edges.
type Edge struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Weight     float64           `json:"weight"` // inverse-delay bias
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  int64             `json:"created_at"` // unix ms
}

// Transition records one confirmation state change, keyed by the
// evaluation round that triggered it, so the API can expose history.
type Transition struct {
	BlockID    string     `json:"block_id"`
	From       BlockState `json:"from"`
	To         BlockState `json:"to"`
	Round      uint64     `json:"round"`
	Confidence float64    `json:"confidence"`
	At         int64      `json:"at"` // unix ms
}

// Checkpoint snapshots the confirmed frontier at a given round.
type Checkpoint struct {
	ID        string   `json:"id"`
	Round     uint64   `json:"round"`
	Confirmed []string `json:"confirmed"`
	Timestamp int64    `json:"timestamp"` // unix ms
}
