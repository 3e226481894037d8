package push

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/aromalink-core/internal/device"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is a scripted Conn. Frames queued with deliver are returned by
// ReadMessage in order.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	deadline time.Time
	writeErr error
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		c.in <- []byte(f)
	}
	return c
}

func (c *fakeConn) deliver(frame string) {
	select {
	case c.in <- []byte(frame):
	case <-c.closed:
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !d.IsZero() {
		timer := time.NewTimer(time.Until(d))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.closed:
		return nil, errFakeClosed
	default:
	}

	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errFakeClosed
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, bytes.Clone(data))
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
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

// frames returns written frames containing substr.
func (c *fakeConn) frames(substr string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][]byte
	for _, w := range c.written {
		if bytes.Contains(w, []byte(substr)) {
			out = append(out, w)
		}
	}
	return out
}

// fakeDialer hands out connections from next, one per Dial.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	next  func(n int) (*fakeConn, error)
	block chan struct{} // when set, Dial waits for it or ctx
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c, err := d.next(n)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// greetingDialer greets on every connection.
func greetingDialer() *fakeDialer {
	return &fakeDialer{next: func(int) (*fakeConn, error) { return newFakeConn(greeting), nil }}
}

// fakeTokens is a scripted TokenSource.
type fakeTokens struct {
	mu       sync.Mutex
	token    string
	credErr  error
	renewErr error
	renews   int
	adopted  []string
}

func (f *fakeTokens) Credentials(context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credErr != nil {
		return "", "", f.credErr
	}
	return f.token, "4242", nil
}

func (f *fakeTokens) Renew(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	if f.renewErr != nil {
		return f.renewErr
	}
	f.token += "-renewed"
	return nil
}

func (f *fakeTokens) Adopt(token string) {
	f.mu.Lock()
	f.adopted = append(f.adopted, token)
	f.mu.Unlock()
}

func (f *fakeTokens) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renews
}

// statusLog records connection status notifications.
type statusLog struct {
	mu     sync.Mutex
	states []device.State
}

func (l *statusLog) StateChanged(s device.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *statusLog) count(status device.ConnectionStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.states {
		if s.ConnectionStatus == status {
			n++
		}
	}
	return n
}

func (l *statusLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

var testDevices = []device.Info{
	{ID: "1001", Name: "Lobby", HasFan: true},
	{ID: "1002", Name: "Office"},
	{ID: "1003", Name: "Front"},
}

// newTestManager builds a Manager over a reconciler holding testDevices.
func newTestManager(t *testing.T, dialer *fakeDialer, tokens *fakeTokens, mutate func(*Options)) (*Manager, *device.Reconciler) {
	t.Helper()

	rec := device.NewReconciler(device.ReconcilerOptions{})
	rec.SyncDevices(testDevices)

	if tokens == nil {
		tokens = &fakeTokens{token: "tok"}
	}
	opts := Options{
		URL:               "ws://test/ws/asset",
		Dialer:            dialer,
		Tokens:            tokens,
		Sink:              rec,
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  time.Second,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// authErr mimics a credential error from another package.
type authErr struct{}

func (authErr) Error() string     { return "bad credentials" }
func (authErr) AuthFailure() bool { return true }
