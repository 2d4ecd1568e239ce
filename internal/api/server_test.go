package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	agent := &fasset.Agent{
		VaultAddress:      "0xVault1",
		UnderlyingAddress: "rVault1",
		OwnerWorkAddress:  "0xWork1",
		Active:            true,
		ClosingPhase:      fasset.ClosingPublic,
		CurrentEventBlock: 1234,
	}
	if err := st.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	minting := &fasset.Minting{
		VaultAddress: "0xVault1",
		RequestID:    big.NewInt(7),
		State:        fasset.MintingStarted,
		ValueUBA:     big.NewInt(1000),
		FeeUBA:       big.NewInt(10),
	}
	if err := st.CreateMinting(context.Background(), minting); err != nil {
		t.Fatalf("create minting: %v", err)
	}
	return NewServer(":0", "secret", st), st
}

func TestHandleAgentDetail(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/0xVault1", nil)
	rec := httptest.NewRecorder()
	server.handleAgentDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got AgentSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.VaultAddress != "0xVault1" {
		t.Fatalf("unexpected vault: %q", got.VaultAddress)
	}
	if got.OpenMintings != 1 {
		t.Fatalf("expected one open minting, got %d", got.OpenMintings)
	}
	if got.CurrentEventBlock != 1234 {
		t.Fatalf("unexpected event cursor: %d", got.CurrentEventBlock)
	}
}

func TestHandleAgentDetailErrors(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/0xVault1", nil)
		rec := httptest.NewRecorder()

		server.handleAgentDetail(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing vault", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/", nil)
		rec := httptest.NewRecorder()

		server.handleAgentDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/0xMissing", nil)
		rec := httptest.NewRecorder()

		server.handleAgentDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleAgentsList(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	server.handleAgents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got []AgentSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].VaultAddress != "0xVault1" {
		t.Fatalf("unexpected summaries: %+v", got)
	}
}

func TestWithAuthRejectsBadKey(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.withAuth(server.handleAgents)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("X-API-KEY", "secret")
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}
