package voca

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves the operational API: health, live calls and outbound
// dialing.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", e.handleHealth)
	mux.HandleFunc("GET /api/calls", e.handleCalls)
	mux.HandleFunc("POST /api/dial", e.handleDial)
	mux.HandleFunc("POST /api/call/simulate", e.handleSimulate)
	return mux
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.Health())
}

func (e *Engine) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls := e.ActiveCalls()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(calls),
		"calls": calls,
	})
}

type dialRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
}

func (e *Engine) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.To == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to is required"})
		return
	}
	callID, err := e.Dial(r.Context(), req.To, req.From)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID})
}

func (e *Engine) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
	}
	res, err := e.Simulate(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("http_encode_failed", slog.String("error", err.Error()))
	}
}
