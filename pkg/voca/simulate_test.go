package voca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func simulateConfig(t *testing.T, ttsURL string) Config {
	t.Helper()
	body := fmt.Sprintf(`
telephony:
  provider: mock
recognition:
  provider: deepgram
  settings:
    api_key: test-key
engines:
  - engine: google
    rank:
      en: 1
    settings:
      endpoint: %s
`, ttsURL)
	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestSimulateRunsScriptedCall(t *testing.T) {
	ttsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp3-audio"))
	}))
	defer ttsSrv.Close()

	engine, err := NewEngine(context.Background(), simulateConfig(t, ttsSrv.URL))
	if err != nil {
		t.Fatalf("engine init failed: %v", err)
	}

	res, err := engine.Simulate(context.Background(), SimulateRequest{
		Language: "en",
		Engine:   "auto",
		Script:   []string{"hello"},
	})
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	if !strings.HasPrefix(res.CallID, "sim-") {
		t.Fatalf("unexpected call id %q", res.CallID)
	}
	if res.State != "ENDED" {
		t.Fatalf("expected ENDED, got %s", res.State)
	}
	if len(res.Turns) != 2 {
		t.Fatalf("expected caller and agent turns, got %+v", res.Turns)
	}
	if res.Turns[0].Transcript != "hello" {
		t.Fatalf("unexpected caller turn %+v", res.Turns[0])
	}
	if res.Turns[1].TTSEngine != "google" {
		t.Fatalf("agent turn missing engine: %+v", res.Turns[1])
	}
}

func TestSimulateEndpoint(t *testing.T) {
	ttsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp3-audio"))
	}))
	defer ttsSrv.Close()

	engine, err := NewEngine(context.Background(), simulateConfig(t, ttsSrv.URL))
	if err != nil {
		t.Fatalf("engine init failed: %v", err)
	}
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	payload, _ := json.Marshal(SimulateRequest{Script: []string{"what are your timings"}})
	resp, err := srv.Client().Post(srv.URL+"/api/call/simulate", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("simulate request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var res SimulateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if res.State != "ENDED" || len(res.Turns) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}
