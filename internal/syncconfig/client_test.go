package syncconfig

import (
	"testing"
	"time"
)

func TestResolveDefaults(t *testing.T) {
	r := Resolve(ClientConfig{ServerURL: "http://example.test"})

	if r.ServerURL != "http://example.test" {
		t.Errorf("ServerURL = %q, want %q", r.ServerURL, "http://example.test")
	}
	if r.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", r.SyncInterval)
	}
	if r.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", r.BatchSize)
	}
	if r.ConflictResolution != "last-write-wins" {
		t.Errorf("ConflictResolution = %q, want last-write-wins", r.ConflictResolution)
	}
	if !r.RealtimeEnabled {
		t.Error("RealtimeEnabled = false, want true by default")
	}
	if r.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", r.MaxReconnectAttempts)
	}
}

func TestResolveOverridesFromConfig(t *testing.T) {
	syncMS := 0
	batch := 10
	enabled := false
	cfg := ClientConfig{
		ServerURL:          "http://example.test",
		SyncIntervalMS:     &syncMS,
		BatchSize:          &batch,
		ConflictResolution: "client-wins",
		Realtime:           RealtimeConfig{Enabled: &enabled},
	}

	r := Resolve(cfg)

	if r.SyncInterval != 0 {
		t.Errorf("SyncInterval = %v, want 0 (synchronous mode)", r.SyncInterval)
	}
	if r.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", r.BatchSize)
	}
	if r.ConflictResolution != "client-wins" {
		t.Errorf("ConflictResolution = %q, want client-wins", r.ConflictResolution)
	}
	if r.RealtimeEnabled {
		t.Error("RealtimeEnabled = true, want false from config override")
	}
}

func TestAuthRoundTrip(t *testing.T) {
	t.Setenv("SYNCD_CONFIG_DIR", t.TempDir())

	if IsAuthenticated() {
		t.Fatal("expected not authenticated before any auth is saved")
	}

	want := AuthCredentials{APIKey: "key-1", UserID: "user-1", DeviceID: "device-1"}
	if err := SaveAuth(want); err != nil {
		t.Fatalf("SaveAuth: %v", err)
	}

	if !IsAuthenticated() {
		t.Fatal("expected authenticated after SaveAuth")
	}

	got, err := LoadAuth()
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	if got != want {
		t.Errorf("LoadAuth = %+v, want %+v", got, want)
	}

	if err := ClearAuth(); err != nil {
		t.Fatalf("ClearAuth: %v", err)
	}
	if IsAuthenticated() {
		t.Fatal("expected not authenticated after ClearAuth")
	}
}
