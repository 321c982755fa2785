package voca

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewEngineBuildsFromConfig(t *testing.T) {
	engine, err := NewEngine(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("engine init failed: %v", err)
	}

	health := engine.Health()
	if health.Status != "ok" {
		t.Fatalf("expected ok status, got %q", health.Status)
	}
	if len(health.Engines) != 1 || health.Engines[0].EngineID != "google" {
		t.Fatalf("unexpected engines %+v", health.Engines)
	}
	if health.ActiveCalls != 0 {
		t.Fatalf("expected no active calls, got %d", health.ActiveCalls)
	}
}

func TestDialWithoutDialerFails(t *testing.T) {
	engine, err := NewEngine(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("engine init failed: %v", err)
	}
	if _, err := engine.Dial(context.Background(), "+15550100", "+15550101"); err == nil {
		t.Fatal("expected dial to fail without a configured dialer")
	}
}

func TestHealthEndpoint(t *testing.T) {
	engine, err := NewEngine(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("engine init failed: %v", err)
	}
	srv := httptest.NewServer(engine.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var health HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if health.Status != "ok" || len(health.Engines) != 1 {
		t.Fatalf("unexpected payload %+v", health)
	}
}

func TestBuildSynthesizerRejectsUnknownEngine(t *testing.T) {
	if _, err := buildSynthesizer(EngineConfig{Engine: "espeak"}); err == nil {
		t.Fatal("expected unknown engine error")
	}
}

func TestBuildRecognizerRequiresAPIKey(t *testing.T) {
	_, err := buildRecognizer(ProviderConfig{Provider: "deepgram", Settings: map[string]any{}})
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}
}

func TestBuildChannelRejectsUnknownProvider(t *testing.T) {
	if _, err := buildChannel(ProviderConfig{Provider: "sip2"}); err == nil {
		t.Fatal("expected unknown provider error")
	}
}
