package rtclient

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncmodel"
)

func TestBackoffCapsAtMax(t *testing.T) {
	c := &Client{cfg: Config{ReconnectInterval: time.Second, MaxReconnectInterval: 8 * time.Second}}

	got := []time.Duration{c.backoffFor(1), c.backoffFor(2), c.backoffFor(3), c.backoffFor(4), c.backoffFor(10)}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got[i], want[i])
		}
	}
}

type recordingApplier struct {
	applied []syncmodel.Operation
}

func (r *recordingApplier) ApplyRealtime(ctx context.Context, ops []syncmodel.Operation) {
	r.applied = append(r.applied, ops...)
}

func TestReadStreamDispatchesOperationsEvents(t *testing.T) {
	applier := &recordingApplier{}
	c := &Client{applier: applier, log: synclog.Nop()}

	body := "event: connected\ndata: {\"connection_id\":\"conn-1\",\"tables\":[\"todos\"]}\n\n" +
		"id: conn-1\nevent: operations\ndata: {\"operations\":[{\"id\":\"op-1\",\"table\":\"todos\"}],\"tables\":[\"todos\"]}\n\n" +
		"event: heartbeat\ndata: {\"timestamp\":\"2026-01-01T00:00:00Z\"}\n\n"

	if err := c.readStream(context.Background(), strings.NewReader(body)); err == nil {
		t.Fatal("expected EOF sentinel error at end of stream")
	}

	if len(applier.applied) != 1 || applier.applied[0].ID != "op-1" {
		t.Fatalf("expected one operation applied, got %+v", applier.applied)
	}
	if got := c.getLastEventID(); got != "conn-1" {
		t.Fatalf("expected last event id to be tracked, got %q", got)
	}
}

func TestDisableEnableTogglesState(t *testing.T) {
	c := New(Config{}, &recordingApplier{}, synclog.Nop(), nil)
	if !c.isEnabled() {
		t.Fatal("expected client enabled by default")
	}
	c.Disable()
	if c.isEnabled() {
		t.Fatal("expected client disabled after Disable")
	}
	c.Enable()
	if !c.isEnabled() {
		t.Fatal("expected client enabled again after Enable")
	}
}
