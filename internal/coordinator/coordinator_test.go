package coordinator

import "testing"

func TestBroadcastExcludesSender(t *testing.T) {
	c := New()
	defer c.Close()

	sender := c.Subscribe()
	peer := c.Subscribe()

	c.Broadcast(sender, Message{Type: SyncComplete})

	select {
	case <-sender.Messages():
		t.Fatal("sender should not receive its own broadcast")
	default:
	}

	select {
	case msg := <-peer.Messages():
		if msg.Type != SyncComplete {
			t.Fatalf("unexpected message type %v", msg.Type)
		}
	default:
		t.Fatal("peer should have received the broadcast")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New()
	defer c.Close()

	h := c.Subscribe()
	c.Unsubscribe(h)

	c.Broadcast(nil, Message{Type: DataChanged, Table: "todos"})

	if _, ok := <-h.Messages(); ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
