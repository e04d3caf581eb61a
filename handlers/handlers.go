package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"knightdag/engine"
	"knightdag/graph"
	"knightdag/logger"
	"knightdag/peers"
)

// Handler contains the HTTP handlers for the confirmation engine API
type Handler struct {
	Engine *engine.Engine
}

// NewHandler creates and returns a new Handler instance
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{Engine: e}
}

func respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	respond(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps engine errors onto HTTP status codes. Invalid input
// rejects with 4xx and is never retried server-side; only exhausted
// transient storage failures surface as 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, graph.ErrDuplicateID), errors.Is(err, graph.ErrCycleDetected):
		return http.StatusConflict
	case errors.Is(err, graph.ErrUnknownParent), errors.Is(err, graph.ErrMissingParents):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, peers.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SubmitBlock handles POST requests submitting new blocks to the DAG
func (h *Handler) SubmitBlock(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode block submission", zap.Error(err))
		respond(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}
	if req.ID == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "Block id is required"})
		return
	}
	req.PeerAddress = r.RemoteAddr

	block, err := h.Engine.SubmitBlock(req)
	if err != nil {
		logger.Logger.Error("Failed to submit block", zap.String("block_id", req.ID), zap.Error(err))
		respondError(w, err)
		return
	}

	logger.Logger.Info("Accepted new block",
		zap.String("block_id", block.ID), zap.Strings("parents", block.Parents))
	respond(w, http.StatusCreated, map[string]interface{}{
		"message": "Block accepted",
		"block":   block,
	})
}

// SubmitEdge handles POST requests adding a reference between two
// existing blocks, subject to the cycle check
func (h *Handler) SubmitEdge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From       string            `json:"from"`
		To         string            `json:"to"`
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode edge submission", zap.Error(err))
		respond(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	edge, err := h.Engine.SubmitEdge(req.From, req.To, req.Attributes)
	if err != nil {
		logger.Logger.Error("Failed to add edge",
			zap.String("from", req.From), zap.String("to", req.To), zap.Error(err))
		respondError(w, err)
		return
	}

	respond(w, http.StatusCreated, map[string]interface{}{
		"message": "Edge added",
		"edge":    edge,
	})
}

// ListBlocks returns every block in insertion order
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.Engine.ListBlocks())
}

// GetBlock returns a single block by id
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	block, err := h.Engine.GetBlock(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, block)
}

// GetChildren returns the blocks referencing the given block
func (h *Handler) GetChildren(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	children, err := h.Engine.GetChildren(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, children)
}

// GetHistory returns a block's confirmation state history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	history, err := h.Engine.History(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, history)
}

// GetKCluster returns the current k-cluster members
func (h *Handler) GetKCluster(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"result": h.Engine.LastResult(),
		"blocks": h.Engine.KClusterBlocks(),
	})
}

// GetConfirmedBlocks returns all confirmed blocks
func (h *Handler) GetConfirmedBlocks(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.Engine.ConfirmedBlocks())
}

// GetTip handles GET requests for a tip selected using MCMC
func (h *Handler) GetTip(w http.ResponseWriter, r *http.Request) {
	tip, err := h.Engine.SelectTip()
	if err != nil {
		logger.Logger.Error("Failed to select tip with MCMC", zap.Error(err))
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, tip)
}

// GetActivePeers returns all peers currently marked Active
func (h *Handler) GetActivePeers(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.Engine.ActivePeers())
}

// GetPeers returns every known peer
func (h *Handler) GetPeers(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.Engine.AllPeers())
}

// RegisterPeer handles POST requests announcing a peer
func (h *Handler) RegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}
	peer := h.Engine.TouchPeer(req.ID, req.Address)
	respond(w, http.StatusCreated, map[string]interface{}{
		"message": "Peer registered",
		"peer":    peer,
	})
}

// PeerHeartbeat refreshes a peer's liveness
func (h *Handler) PeerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	peer, err := h.Engine.PeerHeartbeat(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, peer)
}

// GetDelayDistribution returns the current network delay summary
func (h *Handler) GetDelayDistribution(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.Engine.Distribution())
}
