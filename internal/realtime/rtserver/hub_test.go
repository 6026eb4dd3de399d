package rtserver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncmodel"
)

func TestBroadcastExcludesOriginatingClient(t *testing.T) {
	hub := New(synclog.Nop(), time.Minute, 0)

	origin := hub.Subscribe("user-1", "C1", nil)
	defer origin.Close()
	peer := hub.Subscribe("user-1", "C2", nil)
	defer peer.Close()

	op := syncmodel.Operation{ID: "op-1", Table: "todos", UserID: "user-1"}
	hub.Broadcast([]syncmodel.Operation{op}, "C1")

	select {
	case <-origin.Events():
		t.Fatal("origin client should not receive its own broadcast")
	default:
	}

	select {
	case ev := <-peer.Events():
		if ev.Name != "operations" {
			t.Fatalf("expected an operations event, got %q", ev.Name)
		}
		var got batch
		if err := json.Unmarshal([]byte(ev.Data), &got); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if len(got.Operations) != 1 || got.Operations[0].ID != "op-1" {
			t.Fatalf("unexpected batch %+v", got)
		}
		if len(got.Tables) != 1 || got.Tables[0] != "todos" {
			t.Fatalf("unexpected tables %v", got.Tables)
		}
	default:
		t.Fatal("peer should have received the broadcast")
	}
}

func TestBroadcastRespectsTableFilter(t *testing.T) {
	hub := New(synclog.Nop(), time.Minute, 0)

	sub := hub.Subscribe("user-1", "C2", []string{"notes"})
	defer sub.Close()

	hub.Broadcast([]syncmodel.Operation{{ID: "op-1", Table: "todos", UserID: "user-1"}}, "")

	select {
	case <-sub.Events():
		t.Fatal("subscriber scoped to notes should not see a todos op")
	default:
	}
}

func TestSubscribeEvictsOldestAtLimit(t *testing.T) {
	hub := New(synclog.Nop(), time.Minute, 1)

	first := hub.Subscribe("user-1", "C1", nil)
	second := hub.Subscribe("user-1", "C2", nil)
	defer second.Close()

	if _, ok := <-first.Events(); ok {
		t.Fatal("expected oldest connection's channel to be closed on eviction")
	}
	if hub.ConnectionCount("user-1") != 1 {
		t.Fatalf("expected 1 live connection after eviction, got %d", hub.ConnectionCount("user-1"))
	}
}
