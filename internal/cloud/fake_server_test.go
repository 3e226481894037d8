package cloud

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

const (
	testUser     = "user@example.com"
	testPassword = "secret"
	testUserID   = "4242"
)

// recordedRequest is one request seen by fakeVendor.
type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Body   []byte
	Header http.Header
}

// fakeVendor is an in-memory Aroma-Link REST server.
type fakeVendor struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	requests  []recordedRequest
	tokens    int
	valid     map[string]bool
	replies   map[string]func(w http.ResponseWriter, r recordedRequest)
	refreshOK bool
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()

	f := &fakeVendor{
		t:         t,
		valid:     make(map[string]bool),
		replies:   make(map[string]func(http.ResponseWriter, recordedRequest)),
		refreshOK: true,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeVendor) URL() string { return f.server.URL }

// on overrides the handler for a path.
func (f *fakeVendor) on(path string, h func(w http.ResponseWriter, r recordedRequest)) {
	f.mu.Lock()
	f.replies[path] = h
	f.mu.Unlock()
}

// revokeAll makes every issued token invalid.
func (f *fakeVendor) revokeAll() {
	f.mu.Lock()
	f.valid = make(map[string]bool)
	f.mu.Unlock()
}

func (f *fakeVendor) seen(path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []recordedRequest
	for _, r := range f.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeVendor) issue() string {
	f.tokens++
	tok := "tok-" + string(rune('a'+f.tokens-1))
	f.valid[tok] = true
	return tok
}

func (f *fakeVendor) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Body:   body,
		Header: r.Header.Clone(),
	}
	if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
		rec.Form, _ = url.ParseQuery(string(body))
	}

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	custom := f.replies[rec.Path]
	f.mu.Unlock()

	if custom != nil {
		custom(w, rec)
		return
	}

	switch rec.Path {
	case "/v1/app/user/newLogin":
		if rec.Form.Get("userName") != testUser || rec.Form.Get("password") != hashPassword(testPassword) {
			writeEnvelope(w, 500, "用户名或密码错误", nil)
			return
		}
		writeEnvelope(w, 200, "ok", nil)

	case "/v2/app/token":
		if rec.Form.Get("password") != hashPassword(testPassword) {
			writeEnvelope(w, 500, "bad password", nil)
			return
		}
		f.mu.Lock()
		tok := f.issue()
		f.mu.Unlock()
		writeEnvelope(w, 200, "ok", map[string]any{
			"accessToken":  tok,
			"refreshToken": "refresh-" + tok,
			"id":           4242,
		})

	case "/v2/app/token/refresh":
		f.mu.Lock()
		ok := f.refreshOK
		var tok string
		if ok {
			tok = f.issue()
		}
		f.mu.Unlock()
		if !ok {
			writeEnvelope(w, 500, "refresh expired", nil)
			return
		}
		writeEnvelope(w, 200, "ok", map[string]any{"accessToken": tok, "refreshToken": "refresh-" + tok})

	default:
		f.mu.Lock()
		authorized := f.valid[rec.Header.Get("access_token")]
		f.mu.Unlock()
		if !authorized {
			writeEnvelope(w, 401, "token invalid", nil)
			return
		}
		if rec.Path == "/v1/app/device/listAll/"+testUserID {
			writeEnvelope(w, 200, "ok", []map[string]any{
				{"text": "Home", "children": []map[string]any{
					{"id": 1001, "text": "Lobby", "deviceNo": "AL-1", "hasFan": 1, "onlineStatus": 1},
					{"id": "1002", "text": "Office", "deviceNo": "AL-2", "hasFan": 0, "onlineStatus": 0},
				}},
				{"text": "Shop", "children": []map[string]any{
					{"id": 1003, "text": "Front", "deviceNo": "AL-3", "hasFan": "1", "onlineStatus": 1},
				}},
			})
			return
		}
		writeEnvelope(w, 200, "ok", nil)
	}
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

// newTestStack builds Client, Authenticator, Directory and Control against f.
func newTestStack(t *testing.T, f *fakeVendor) (*Authenticator, *Directory, *Control) {
	t.Helper()

	client, err := NewClient(Options{BaseURL: f.URL()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	auth := NewAuthenticator(client, AuthenticatorOptions{Username: testUser, Password: testPassword})
	return auth, NewDirectory(client, auth), NewControl(client, auth, 0)
}
