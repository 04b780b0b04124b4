package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antoniostano/tides/internal/config"
	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		MetricsNamespace:          "tides_test",
		RoutingMode:               config.ModeStandard,
		RoutingThreshold:          70,
		ClarificationMaxAttempts:  3,
		ConversationTTL:           time.Hour,
		ConversationSweepSchedule: "@every 1m",
		ConversationStore:         "memory",
		InferenceMode:             "mock",
		InferenceTimeout:          100 * time.Millisecond,
		Partitions:                "primary=mem:,archive=dir:" + t.TempDir(),
		PartitionTimeout:          time.Second,
	}
}

func TestBuildServesCoordinator(t *testing.T) {
	built, err := Build(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if built.InferenceMode != "mock" {
		t.Fatalf("InferenceMode = %q, want mock", built.InferenceMode)
	}
	if built.Registry.Len() != 6 {
		t.Fatalf("registry size = %d, want 6", built.Registry.Len())
	}

	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()

	body, _ := json.Marshal(protocol.Request{Capability: "chat", Message: "hello there", RecordScope: "u1"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/coordinator", bytes.NewReader(body))
	req.Header.Set(identity.HeaderCallerID, "caller-1")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/coordinator error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var env protocol.Envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !env.Success || env.Metadata.Capability != "chat" {
		t.Fatalf("envelope = %+v, want successful chat", env)
	}

	built.Janitor.Sweep()
}

func TestBuildRejectsUnknownCatalogEntry(t *testing.T) {
	cfg := testConfig(t)
	cfg.CapabilityCatalog = filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(cfg.CapabilityCatalog, []byte("capabilities:\n  - name: horoscope\n"), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Fatalf("Build() with unknown catalog entry expected error")
	}
}
