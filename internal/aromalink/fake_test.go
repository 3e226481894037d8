package aromalink

import (
	"context"
	"crypto/md5" //nolint:gosec // matches the vendor digest
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/aromalink-core/internal/cloud"
	"github.com/nerrad567/aromalink-core/internal/device"
	"github.com/nerrad567/aromalink-core/internal/push"
)

const (
	testUser     = "user@example.com"
	testPassword = "secret"
)

type seenRequest struct {
	Path   string
	Token  string
	Form   url.Values
	Query  url.Values
	Body   []byte
	Method string
}

// fakeCloud is a minimal vendor REST server.
type fakeCloud struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []seenRequest
	devices  []map[string]any
	listFail bool
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	f := &fakeCloud{
		devices: []map[string]any{
			{"id": 1001, "text": "Lobby", "deviceNo": "AL-1", "hasFan": 1, "onlineStatus": 1},
			{"id": 1002, "text": "Office", "deviceNo": "AL-2", "hasFan": 0, "onlineStatus": 1},
		},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func digest(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // vendor protocol
	return hex.EncodeToString(sum[:])
}

func (f *fakeCloud) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	req := seenRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Token:  r.Header.Get("access_token"),
		Query:  r.URL.Query(),
		Body:   body,
	}
	if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
		req.Form, _ = url.ParseQuery(string(body))
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	devices := f.devices
	listFail := f.listFail
	f.mu.Unlock()

	switch req.Path {
	case "/v1/app/user/newLogin", "/v2/app/token":
		if req.Form.Get("userName") != testUser || req.Form.Get("password") != digest(testPassword) {
			envelope(w, 500, "用户名或密码错误", nil)
			return
		}
		if req.Path == "/v1/app/user/newLogin" {
			envelope(w, 200, "ok", nil)
			return
		}
		envelope(w, 200, "ok", map[string]any{"accessToken": "tok", "refreshToken": "ref", "id": 4242})
	case "/v2/app/token/refresh":
		envelope(w, 200, "ok", map[string]any{"accessToken": "tok2", "refreshToken": "ref2"})
	case "/v1/app/device/listAll/4242":
		if listFail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		envelope(w, 200, "ok", []map[string]any{{"text": "Home", "children": devices}})
	default:
		envelope(w, 200, "ok", nil)
	}
}

func envelope(w http.ResponseWriter, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

func (f *fakeCloud) seen(path string) []seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []seenRequest
	for _, r := range f.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeCloud) setDevices(devices ...map[string]any) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()
}

// pushConn is an in-memory push socket that greets on connect.
type pushConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newPushConn() *pushConn {
	c := &pushConn{in: make(chan []byte, 16), closed: make(chan struct{})}
	c.in <- []byte("连接成功")
	return c
}

func (c *pushConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *pushConn) WriteMessage(b []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, b)
	c.mu.Unlock()
	return nil
}

func (c *pushConn) SetReadDeadline(time.Time) error { return nil }

func (c *pushConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pushConn) deliver(frame string) {
	select {
	case c.in <- []byte(frame):
	case <-c.closed:
	}
}

// pushDialer hands out pushConns and remembers the latest.
type pushDialer struct {
	mu    sync.Mutex
	conns []*pushConn
}

func (d *pushDialer) Dial(context.Context, string) (push.Conn, error) {
	c := newPushConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *pushDialer) last() *pushConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// memSessions is an in-memory SessionStore.
type memSessions struct {
	mu    sync.Mutex
	s     cloud.Session
	ok    bool
	saves int
}

func (m *memSessions) Load(context.Context) (cloud.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, m.ok, nil
}

func (m *memSessions) Save(_ context.Context, s cloud.Session) error {
	m.mu.Lock()
	m.s, m.ok = s, true
	m.saves++
	m.mu.Unlock()
	return nil
}

func (m *memSessions) saved() (cloud.Session, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, m.saves
}

// memCache is an in-memory DeviceCache.
type memCache struct {
	mu      sync.Mutex
	devices []device.Info
}

func (m *memCache) LoadDevices(context.Context) ([]device.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]device.Info(nil), m.devices...), nil
}

func (m *memCache) SaveDevices(_ context.Context, d []device.Info) error {
	m.mu.Lock()
	m.devices = append([]device.Info(nil), d...)
	m.mu.Unlock()
	return nil
}

func (m *memCache) list() []device.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]device.Info(nil), m.devices...)
}

// newTestClient builds a Client against f with an in-memory push socket.
func newTestClient(t *testing.T, f *fakeCloud, mutate func(*Options)) (*Client, *pushDialer) {
	t.Helper()

	dialer := &pushDialer{}
	opts := Options{
		Username:          testUser,
		Password:          testPassword,
		BaseURL:           f.server.URL,
		Dialer:            dialer,
		HeartbeatInterval: time.Hour,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		RequeryDelay:      5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, dialer
}

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
