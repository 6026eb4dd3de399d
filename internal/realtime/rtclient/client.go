// Package rtclient implements the realtime client: a long-lived SSE
// connection to the realtime server, with exponential backoff reconnect
// and a polling fallback once reconnection is exhausted.
package rtclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncmodel"
)

// errReconnectRequested signals that the current stream was torn down by a
// manual Reconnect/Disable/Enable call rather than a real connection
// failure, so run() should retry immediately instead of backing off.
var errReconnectRequested = errors.New("realtime: reconnect requested")

// Applier receives operations pushed down the realtime stream.
type Applier interface {
	ApplyRealtime(ctx context.Context, ops []syncmodel.Operation)
}

// Config tunes reconnect behavior, mirroring syncconfig.Resolved's realtime
// fields so callers can pass it through directly.
type Config struct {
	ServerURL            string
	Endpoint             string
	APIKey               string
	Tables               []string
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int
	HeartbeatTimeout     time.Duration
	PollInterval         time.Duration // used once max reconnect attempts are exhausted
}

// Client manages one realtime connection lifecycle: connect, stream, and on
// disconnect reconnect with exponential backoff up to MaxReconnectAttempts,
// after which it falls back to PollInterval-paced polling via the fallback
// callback.
type Client struct {
	cfg     Config
	applier Applier
	http    *http.Client
	log     zerolog.Logger

	pollFallback func(ctx context.Context) // invoked repeatedly once backoff is exhausted

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	enabled     bool
	lastEventID string
	resetSignal chan struct{}
}

// New constructs a Client. pollFallback is called on a PollInterval ticker
// once the connection and MaxReconnectAttempts backed-off retries after it
// have all failed; it should perform one ordinary pull-based sync.
func New(cfg Config, applier Applier, base zerolog.Logger, pollFallback func(ctx context.Context)) *Client {
	return &Client{
		cfg:          cfg,
		applier:      applier,
		http:         &http.Client{},
		log:          synclog.WithComponent(base, "realtime-client"),
		pollFallback: pollFallback,
		enabled:      true,
		resetSignal:  make(chan struct{}),
	}
}

// Start begins connecting in the background. Call Stop to tear down.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop ends the connection loop and waits for it to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// Disable pauses the realtime connection without tearing the client down:
// any open stream is dropped immediately and no reconnect attempts are made
// until Enable is called.
func (c *Client) Disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	c.triggerReset()
}

// Enable resumes a connection previously paused with Disable.
func (c *Client) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	c.triggerReset()
}

// Reconnect drops the current connection, if any, and resets the backoff
// attempt counter, for a manual "reconnect now" request from the caller.
func (c *Client) Reconnect() {
	c.triggerReset()
}

func (c *Client) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// triggerReset wakes anything waiting on the current reset signal and
// rotates it, the classic broadcast-close pattern: closing is a one-shot
// signal, so a fresh channel is installed for the next wait.
func (c *Client) triggerReset() {
	c.mu.Lock()
	close(c.resetSignal)
	c.resetSignal = make(chan struct{})
	c.mu.Unlock()
}

func (c *Client) resetChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetSignal
}

func (c *Client) setLastEventID(id string) {
	c.mu.Lock()
	c.lastEventID = id
	c.mu.Unlock()
}

func (c *Client) getLastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.isEnabled() {
			if !c.waitEnabled(ctx) {
				return
			}
			attempts = 0
			continue
		}

		err := c.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errReconnectRequested) {
			attempts = 0
			continue
		}
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempts).Msg("realtime: connection lost")
		}

		attempts++
		if attempts > c.cfg.MaxReconnectAttempts {
			c.log.Warn().Msg("realtime: max reconnect attempts exhausted, falling back to polling")
			c.pollUntilReconnectable(ctx)
			attempts = 0
			continue
		}

		backoff := c.backoffFor(attempts)
		select {
		case <-ctx.Done():
			return
		case <-c.resetChan():
			attempts = 0
		case <-time.After(backoff):
		}
	}
}

// waitEnabled blocks until Enable is called or ctx is canceled, returning
// false in the latter case.
func (c *Client) waitEnabled(ctx context.Context) bool {
	for !c.isEnabled() {
		select {
		case <-ctx.Done():
			return false
		case <-c.resetChan():
		case <-time.After(time.Second):
		}
	}
	return true
}

// backoffFor returns the delay before reconnect attempt number attempt
// (1-based): min(base*2^(attempt-1), cap).
func (c *Client) backoffFor(attempt int) time.Duration {
	base := c.cfg.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	maxD := c.cfg.MaxReconnectInterval
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// pollUntilReconnectable runs pollFallback on every PollInterval tick until
// Reconnect, Enable or Disable is called or ctx is canceled, then returns to
// let run() retry a realtime connection fresh.
func (c *Client) pollUntilReconnectable(ctx context.Context) {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reset := c.resetChan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reset:
			return
		case <-ticker.C:
			if c.pollFallback != nil {
				c.pollFallback(ctx)
			}
		}
	}
}

func (c *Client) connectAndStream(ctx context.Context) error {
	reset := c.resetChan()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-reset:
			cancel()
		case <-stopWatch:
		}
	}()

	url := strings.TrimRight(c.cfg.ServerURL, "/") + c.cfg.Endpoint
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if len(c.cfg.Tables) > 0 {
		req.Header.Set("X-Sync-Tables", strings.Join(c.cfg.Tables, ","))
	}
	if id := c.getLastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if connCtx.Err() != nil && ctx.Err() == nil {
			return errReconnectRequested
		}
		return fmt.Errorf("dial realtime stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("realtime stream returned status %d", resp.StatusCode)
	}

	c.log.Info().Msg("realtime: connected")
	err = c.readStream(connCtx, resp.Body)
	if connCtx.Err() != nil && ctx.Err() == nil {
		return errReconnectRequested
	}
	return err
}

func (c *Client) readStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName, data string

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()

		switch {
		case line == "":
			if data != "" {
				c.dispatch(ctx, eventName, data)
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, "id:"):
			c.setLastEventID(strings.TrimSpace(strings.TrimPrefix(line, "id:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.EOF
}

func (c *Client) dispatch(ctx context.Context, eventName, data string) {
	switch eventName {
	case "heartbeat", "connected":
		return
	case "operations":
		var b struct {
			Operations []syncmodel.Operation `json:"operations"`
		}
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			c.log.Warn().Err(err).Msg("realtime: malformed operations event")
			return
		}
		c.applier.ApplyRealtime(ctx, b.Operations)
	}
}
