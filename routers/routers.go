package routers

import (
	"knightdag/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the confirmation engine
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Submits a new block referencing existing blocks as parents
	r.HandleFunc("/blocks", h.SubmitBlock).Methods("POST")

	// Adds an extra reference between two existing blocks
	r.HandleFunc("/edges", h.SubmitEdge).Methods("POST")

	// Read surface consumed by the visualization layer
	r.HandleFunc("/blocks", h.ListBlocks).Methods("GET")
	r.HandleFunc("/blocks/k-cluster", h.GetKCluster).Methods("GET")
	r.HandleFunc("/blocks/confirmed", h.GetConfirmedBlocks).Methods("GET")

	// Retrieves a tip using the MCMC walk, for producers picking parents
	r.HandleFunc("/blocks/tip-selection", h.GetTip).Methods("GET")

	r.HandleFunc("/blocks/{id}", h.GetBlock).Methods("GET")
	r.HandleFunc("/blocks/{id}/children", h.GetChildren).Methods("GET")
	r.HandleFunc("/blocks/{id}/history", h.GetHistory).Methods("GET")

	// Peer registry
	r.HandleFunc("/peers", h.RegisterPeer).Methods("POST")
	r.HandleFunc("/peers", h.GetPeers).Methods("GET")
	r.HandleFunc("/peers/active", h.GetActivePeers).Methods("GET")
	r.HandleFunc("/peers/{id}/heartbeat", h.PeerHeartbeat).Methods("POST")

	// Live network delay distribution feeding the thresholds
	r.HandleFunc("/network/delay", h.GetDelayDistribution).Methods("GET")
}
