package proxyfront

import (
	"log"
	"sync"
	"time"

	"github.com/cloudtolocalllm/relay/internal/metrics"
	"github.com/coder/websocket"
)

// Close code sent when the reaper removes an idle session.
const StatusIdleTimeout websocket.StatusCode = 4408

// connState is the per-connection lifecycle:
// open -> (activity self-loop) -> closing -> closed.
type connState int

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// ConnInfo is an immutable snapshot of one tracked connection.
type ConnInfo struct {
	ConnectionID     string    `json:"connectionId"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	BytesTransferred int64     `json:"bytesTransferred"`
	State            string    `json:"state"`
}

type trackedConn struct {
	id          string
	ws          *websocket.Conn
	connectedAt time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	bytes          int64
	state          connState
}

// touch records activity and transferred bytes.
func (c *trackedConn) touch(now time.Time, n int64) {
	c.mu.Lock()
	c.lastActivityAt = now
	c.bytes += n
	c.mu.Unlock()
	if n > 0 {
		metrics.BytesProxied.Add(int(n))
	}
}

// beginClose transitions open -> closing. Returns false if the close was
// already initiated by the other path (peer vs. reaper).
func (c *trackedConn) beginClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return false
	}
	c.state = stateClosing
	return true
}

func (c *trackedConn) finishClose() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

func (c *trackedConn) snapshot() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		ConnectionID:     c.id,
		ConnectedAt:      c.connectedAt,
		LastActivityAt:   c.lastActivityAt,
		BytesTransferred: c.bytes,
		State:            c.state.String(),
	}
}

func (c *trackedConn) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivityAt)
}

// tracker is the connection table. Each ProxyFront owns exactly one.
type tracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
	now   func() time.Time
}

func newTracker() *tracker {
	return &tracker{conns: make(map[string]*trackedConn), now: time.Now}
}

func (t *tracker) add(c *trackedConn) {
	t.mu.Lock()
	t.conns[c.id] = c
	total := len(t.conns)
	t.mu.Unlock()
	metrics.SessionsOpened.Inc()
	metrics.SessionsActive.Set(float64(total))
}

func (t *tracker) remove(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	total := len(t.conns)
	t.mu.Unlock()
	metrics.SessionsActive.Set(float64(total))
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *tracker) list() []ConnInfo {
	t.mu.Lock()
	conns := make([]*trackedConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	infos := make([]ConnInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.snapshot()
	}
	return infos
}

// reapOnce closes and removes connections idle beyond threshold. Closing
// the socket wakes the session's read loop, which finishes the teardown.
func (t *tracker) reapOnce(threshold time.Duration) int {
	now := t.now()

	t.mu.Lock()
	var victims []*trackedConn
	for _, c := range t.conns {
		if c.idleSince(now) > threshold {
			victims = append(victims, c)
		}
	}
	t.mu.Unlock()

	reaped := 0
	for _, c := range victims {
		if !c.beginClose() {
			continue
		}
		log.Printf("[proxy] reaping idle connection %s (idle %s)", c.id, c.idleSince(now).Round(time.Second))
		if c.ws != nil {
			c.ws.Close(StatusIdleTimeout, "idle timeout")
		}
		c.finishClose()
		t.remove(c.id)
		metrics.SessionsReaped.Inc()
		reaped++
	}
	return reaped
}
