package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(context.Background(), sqlite.Options{Path: filepath.Join(t.TempDir(), "hoas.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedDevice(t *testing.T, st *sqlite.Store, deviceID, token string) {
	t.Helper()
	require.NoError(t, st.InsertDevice(context.Background(), models.Device{
		DeviceID:     deviceID,
		DisplayName:  "Kid " + deviceID,
		PairingToken: token,
		CreatedAt:    time.Now(),
	}))
}

// steppingClock returns strictly increasing instants so created_at ordering is deterministic.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

var errWriteFailed = errors.New("write failed")

// fakeConn is an in-memory device transport. Inbound frames are handed over
// synchronously so a test knows the session has taken each one.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu sync.Mutex
	// failAt makes the write with this 1-based index and all later ones fail; 0 never fails.
	failAt int
	writes int
	sent   [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.writes++
	if c.failAt > 0 && c.writes >= c.failAt {
		return errWriteFailed
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(5 * time.Second):
		t.Fatal("session did not read the frame")
	}
}

func (c *fakeConn) envelopes(t *testing.T) []models.CmdEnvelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.CmdEnvelope, 0, len(c.sent))
	for _, raw := range c.sent {
		var env models.CmdEnvelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type availabilityEvent struct {
	deviceID string
	online   bool
}

// recordingPublisher captures status events for assertions.
type recordingPublisher struct {
	mu           sync.Mutex
	availability []availabilityEvent
	commands     []models.CommandEvent
}

func (p *recordingPublisher) PublishAvailability(deviceID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availability = append(p.availability, availabilityEvent{deviceID: deviceID, online: online})
}

func (p *recordingPublisher) PublishCommandStatus(event models.CommandEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, event)
}

func (p *recordingPublisher) availabilityEvents() []availabilityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]availabilityEvent(nil), p.availability...)
}

func (p *recordingPublisher) commandStatuses(cmdID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.commands {
		if e.CmdID == cmdID {
			out = append(out, e.Status)
		}
	}
	return out
}
