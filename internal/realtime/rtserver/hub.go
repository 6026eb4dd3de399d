// Package rtserver implements Server-Sent Event fan-out of synced
// operations to subscribed clients, with heartbeats and per-user
// connection limits: a buffered per-client channel, non-blocking
// broadcast, and a heartbeat ticker, with fan-out filtered by table
// subscription and origin exclusion.
package rtserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncmodel"
)

// Event is one message written down an SSE stream.
type Event struct {
	ID   string
	Name string // "connected", "operations", or "heartbeat"
	Data string
}

// batch is the payload of an "operations" event: every operation a
// connection is eligible to see from one Broadcast call, plus the distinct
// set of tables they touch so a client can refresh affected views without
// inspecting each operation.
type batch struct {
	Operations []syncmodel.Operation `json:"operations"`
	Tables     []string              `json:"tables"`
}

type client struct {
	id       string
	userID   string
	tables   map[string]bool // empty means "all tables"
	ch       chan Event
	clientID string
}

// Hub fans out synced operations to connected SSE clients, scoped by user
// and filtered by each client's subscribed tables, excluding the client
// that originated the write.
type Hub struct {
	log                   zerolog.Logger
	heartbeatInterval     time.Duration
	maxConnsPerUser       int

	mu       sync.Mutex
	byUser   map[string][]*client // insertion order, oldest first, for FIFO eviction
	nextID   uint64
}

// New constructs a Hub. maxConnsPerUser <= 0 means unlimited.
func New(base zerolog.Logger, heartbeatInterval time.Duration, maxConnsPerUser int) *Hub {
	return &Hub{
		log:               synclog.WithComponent(base, "realtime-server"),
		heartbeatInterval: heartbeatInterval,
		maxConnsPerUser:   maxConnsPerUser,
		byUser:            make(map[string][]*client),
	}
}

// Subscription is a handle returned to the HTTP handler serving one SSE
// connection.
type Subscription struct {
	hub    *Hub
	client *client
}

// Events returns the channel to stream to the client.
func (s *Subscription) Events() <-chan Event { return s.client.ch }

// ID is the connection id assigned at Subscribe time, sent to the client in
// the opening "connected" event and useful for server-side log correlation.
func (s *Subscription) ID() string { return s.client.id }

// Close unregisters the subscription.
func (s *Subscription) Close() { s.hub.unregister(s.client) }

// Subscribe registers a new SSE connection for userID, optionally scoped to
// a subset of tables (nil/empty means all tables). If the user is already
// at maxConnsPerUser, the oldest connection is evicted (FIFO), per spec
// §4.F connection limits.
func (s *Hub) Subscribe(userID, clientID string, tables []string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	tableSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		tableSet[t] = true
	}

	s.nextID++
	id := fmt.Sprintf("conn-%d", s.nextID)
	c := &client{id: id, userID: userID, clientID: clientID, tables: tableSet, ch: make(chan Event, 32)}

	conns := s.byUser[userID]
	if s.maxConnsPerUser > 0 && len(conns) >= s.maxConnsPerUser {
		evicted := conns[0]
		conns = conns[1:]
		close(evicted.ch)
		s.log.Info().Str("user_id", userID).Msg("realtime: evicted oldest connection, per-user limit reached")
	}
	conns = append(conns, c)
	s.byUser[userID] = conns

	return &Subscription{hub: s, client: c}
}

func (s *Hub) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.byUser[c.userID]
	for i, existing := range conns {
		if existing == c {
			s.byUser[c.userID] = append(conns[:i], conns[i+1:]...)
			close(c.ch)
			return
		}
	}
}

// Broadcast fans synced ops out to every subscriber whose user id matches
// an ownership-scoped op's user, whose table subscription (if any) includes
// the op's table, excluding the connection whose clientID matches
// excludeClientID (the originating replica already applied the write
// locally before the push returned). Each eligible connection receives a
// single "operations" event batching every op it is allowed to see from
// this call, rather than one event per operation.
func (s *Hub) Broadcast(ops []syncmodel.Operation, excludeClientID string) {
	if len(ops) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byUserOps := map[string][]syncmodel.Operation{}
	for _, op := range ops {
		if op.UserID == "" {
			byUserOps[""] = append(byUserOps[""], op) // unowned-table ops reach every connection
		} else {
			byUserOps[op.UserID] = append(byUserOps[op.UserID], op)
		}
	}

	for userID, conns := range s.byUser {
		relevant := byUserOps[userID]
		if userID != "" {
			relevant = append(relevant, byUserOps[""]...)
		} else {
			relevant = byUserOps[""]
		}
		for _, c := range conns {
			if c.clientID == excludeClientID {
				continue
			}
			var filtered []syncmodel.Operation
			tableSet := map[string]bool{}
			for _, op := range relevant {
				if len(c.tables) > 0 && !c.tables[op.Table] {
					continue
				}
				filtered = append(filtered, op)
				tableSet[op.Table] = true
			}
			if len(filtered) == 0 {
				continue
			}

			tables := make([]string, 0, len(tableSet))
			for t := range tableSet {
				tables = append(tables, t)
			}
			payload, err := json.Marshal(batch{Operations: filtered, Tables: tables})
			if err != nil {
				continue
			}
			select {
			case c.ch <- Event{ID: c.id, Name: "operations", Data: string(payload)}:
			default:
				s.log.Warn().Str("user_id", userID).Msg("realtime: dropped event for slow client")
			}
		}
	}
}

// Heartbeats returns a ticker channel callers should forward as periodic
// "heartbeat" events on every open connection, keeping idle connections
// alive through intermediary proxies.
func (s *Hub) Heartbeats() *time.Ticker {
	return time.NewTicker(s.heartbeatInterval)
}

// ConnectionCount reports the number of live subscriptions for a user, for
// status reporting and tests.
func (s *Hub) ConnectionCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser[userID])
}
