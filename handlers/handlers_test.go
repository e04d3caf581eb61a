package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"knightdag/delay"
	"knightdag/engine"
	"knightdag/graph"
	"knightdag/handlers"
	"knightdag/peers"
	"knightdag/repository"
	"knightdag/routers"
)

func testServer(t *testing.T) (*mux.Router, *engine.Engine) {
	t.Helper()

	repo := repository.NewMemoryRepository()
	store := graph.NewStore(repo)
	if err := store.Load(); err != nil {
		t.Fatalf("loading store: %v", err)
	}
	registry := peers.NewRegistry(repo)
	if err := registry.Load(); err != nil {
		t.Fatalf("loading registry: %v", err)
	}
	eng := engine.New(store, delay.NewTracker(0), registry, engine.Config{})

	handler := handlers.NewHandler(eng)
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler)
	return router, eng
}

func submitBlock(t *testing.T, router *mux.Router, id string, parents []string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"id":      id,
		"parents": parents,
		"peer":    "p1",
	})
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/blocks", bytes.NewReader(body)))
	return res
}

func TestSubmitBlock_Success(t *testing.T) {
	router, eng := testServer(t)

	res := submitBlock(t, router, "G", []string{})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}

	got, err := eng.GetBlock("G")
	if err != nil {
		t.Fatalf("expected block stored, got error: %v", err)
	}
	if got.Height != 0 {
		t.Fatalf("expected genesis height 0, got %d", got.Height)
	}
}

func TestSubmitBlock_Duplicate(t *testing.T) {
	router, _ := testServer(t)

	if res := submitBlock(t, router, "G", []string{}); res.Code != http.StatusCreated {
		t.Fatalf("expected first submit 201, got %d", res.Code)
	}
	if res := submitBlock(t, router, "G", []string{}); res.Code != http.StatusConflict {
		t.Fatalf("expected duplicate 409, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestSubmitBlock_UnknownParent(t *testing.T) {
	router, _ := testServer(t)

	if res := submitBlock(t, router, "G", []string{}); res.Code != http.StatusCreated {
		t.Fatalf("expected genesis 201, got %d", res.Code)
	}
	res := submitBlock(t, router, "X", []string{"NOPE"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestSubmitBlock_HeightScenario(t *testing.T) {
	router, eng := testServer(t)

	for _, step := range []struct {
		id      string
		parents []string
	}{
		{"G", nil},
		{"A", []string{"G"}},
		{"B", []string{"G"}},
		{"C", []string{"A", "B"}},
	} {
		if res := submitBlock(t, router, step.id, step.parents); res.Code != http.StatusCreated {
			t.Fatalf("submitting %s failed, code=%d body=%s", step.id, res.Code, res.Body.String())
		}
	}

	c, err := eng.GetBlock("C")
	if err != nil {
		t.Fatalf("block C missing: %v", err)
	}
	if c.Height != 2 {
		t.Fatalf("expected height(C) = 2, got %d", c.Height)
	}
}

func TestSubmitEdge_CycleRejected(t *testing.T) {
	router, _ := testServer(t)

	submitBlock(t, router, "G", nil)
	submitBlock(t, router, "A", []string{"G"})
	submitBlock(t, router, "B", []string{"A"})

	body, _ := json.Marshal(map[string]string{"from": "B", "to": "G"})
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/edges", bytes.NewReader(body)))
	if res.Code != http.StatusConflict {
		t.Fatalf("expected cycle 409, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestListBlocks(t *testing.T) {
	router, _ := testServer(t)
	submitBlock(t, router, "G", nil)
	submitBlock(t, router, "A", []string{"G"})

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/blocks", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var blocks []map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &blocks); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0]["id"] != "G" || blocks[1]["id"] != "A" {
		t.Fatalf("expected insertion order [G A], got %v", blocks)
	}
}

func TestGetBlock_NotFound(t *testing.T) {
	router, _ := testServer(t)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/blocks/missing", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestGetHistory(t *testing.T) {
	router, eng := testServer(t)
	submitBlock(t, router, "G", nil)

	if err := eng.RunPass(context.Background()); err != nil {
		t.Fatalf("evaluation pass failed: %v", err)
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/blocks/G/history", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}

	var history []map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &history); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(history) == 0 {
		t.Fatalf("expected at least one recorded transition")
	}
}

func TestGetTip(t *testing.T) {
	router, _ := testServer(t)
	submitBlock(t, router, "G", nil)
	submitBlock(t, router, "A", []string{"G"})
	submitBlock(t, router, "B", []string{"A"})

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/blocks/tip-selection", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}

	var tip map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &tip); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if tip["id"] != "B" {
		t.Fatalf("expected tip B, got %v", tip["id"])
	}
}

func TestGetTip_NoBlocks(t *testing.T) {
	router, _ := testServer(t)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/blocks/tip-selection", nil))
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestPeerEndpoints(t *testing.T) {
	router, _ := testServer(t)

	body, _ := json.Marshal(map[string]string{"id": "p9", "address": "10.1.1.1:9"})
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/peers", bytes.NewReader(body)))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/peers/p9/heartbeat", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/peers/ghost/heartbeat", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body: %s", res.Code, res.Body.String())
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/peers/active", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var peerList []map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &peerList); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(peerList) != 1 {
		t.Fatalf("expected 1 active peer, got %d", len(peerList))
	}
}

func TestDelayDistributionEndpoint(t *testing.T) {
	router, _ := testServer(t)
	submitBlock(t, router, "G", nil)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/network/delay", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var dist map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &dist); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if dist["samples"].(float64) != 1 {
		t.Fatalf("expected 1 sample, got %v", dist["samples"])
	}
}
