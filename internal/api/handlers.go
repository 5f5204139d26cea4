package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"facilitator-gateway/internal/receipts"
	"facilitator-gateway/internal/resilience"
	"facilitator-gateway/internal/session"
)

type createSessionRequest struct {
	Owner    string `json:"owner"`
	MaxTotal uint64 `json:"maxTotal"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		owner = s.deps.KeyFn(r)
	}

	sess, err := s.deps.Sessions.Create(owner, req.MaxTotal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type debitRequest struct {
	Amount uint64 `json:"amount"`
	Memo   string `json:"memo"`
}

type debitResponse struct {
	Session session.Session `json:"session"`
	Receipt session.Receipt `json:"receipt"`
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, rcp, err := s.deps.Sessions.Debit(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Memo)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, debitResponse{Session: sess, Receipt: rcp})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrBudgetExceeded):
		writeError(w, http.StatusConflict, err.Error())
	default:
		// cliente desistiu na fila da sessão
		writeError(w, http.StatusServiceUnavailable, "debit aborted")
	}
}

type proofRequest struct {
	Proof string `json:"proof"`
}

func (s *Server) handleVerifyReputation(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Proof == "" {
		writeError(w, http.StatusBadRequest, "proof is required")
		return
	}
	res, err := s.deps.Verifier.VerifyReputationProof(r.Context(), req.Proof)
	if err != nil {
		s.chainError(w, "verify reputation proof", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNullifier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	used, err := s.deps.Verifier.IsNullifierUsed(r.Context(), id)
	if err != nil {
		s.chainError(w, "nullifier lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nullifier": id, "used": used})
}

func (s *Server) handleRingOwner(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	owner := s.deps.Ring.GetNode(key)
	if owner == "" {
		writeError(w, http.StatusServiceUnavailable, "hash ring is empty")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      key,
		"owner":    owner,
		"replicas": s.deps.Ring.GetNodes(key, 2),
		"self":     owner == s.deps.NodeID,
	})
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	rcp, err := s.deps.Receipts.Get(r.Context(), chi.URLParam(r, "jobHash"))
	if errors.Is(err, receipts.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.deps.Logger.Error("receipt lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "receipt lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rcp)
}

type healthResponse struct {
	Status      string `json:"status"`
	Node        string `json:"node,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Breaker     string `json:"breaker,omitempty"`
	Cache       string `json:"cache,omitempty"`
	Sessions    int    `json:"sessions"`
}

// handleHealth nunca derruba a instância: dependência fora vira "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Node: s.deps.NodeID}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Len()
	}
	if s.deps.Breaker != nil {
		st := s.deps.Breaker.State()
		resp.Breaker = st.String()
		if st != resilience.StateClosed {
			resp.Status = "degraded"
		}
	}
	if s.deps.Verifier != nil {
		h, err := s.deps.Verifier.BlockHeight(ctx)
		if err != nil {
			resp.Chain = "unavailable"
			resp.Status = "degraded"
		} else {
			resp.Chain = "ok"
			resp.BlockHeight = h
		}
	}
	if s.deps.Cache != nil {
		if err := s.deps.Cache.Ping(ctx); err != nil {
			resp.Cache = "unavailable"
			resp.Status = "degraded"
		} else {
			resp.Cache = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
