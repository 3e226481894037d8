package cloud

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestHashPassword(t *testing.T) {
	// md5("secret")
	if got := hashPassword("secret"); got != "5ebe2294ecd0e0f08eab7690d2a6ee69" {
		t.Errorf("hashPassword() = %q", got)
	}
}

func TestAuthenticator_Login(t *testing.T) {
	f := newFakeVendor(t)
	auth, _, _ := newTestStack(t, f)

	s, err := auth.Login(context.Background(), testUser, testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if s.AccessToken != "tok-a" || s.RefreshToken != "refresh-tok-a" {
		t.Errorf("tokens = %q %q", s.AccessToken, s.RefreshToken)
	}
	if s.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", s.UserID, testUserID)
	}
	if !s.Valid || s.IssuedAt.IsZero() {
		t.Errorf("Valid %v IssuedAt %v", s.Valid, s.IssuedAt)
	}

	login := f.seen("/v1/app/user/newLogin")
	if len(login) != 1 {
		t.Fatalf("newLogin calls = %d, want 1", len(login))
	}
	if got := login[0].Header.Get("User-Agent"); got != userAgent {
		t.Errorf("User-Agent = %q", got)
	}
	if got := login[0].Header.Get("version"); got != "1" {
		t.Errorf("version header = %q", got)
	}
	if got := login[0].Form.Get("password"); got == testPassword {
		t.Error("plain password sent")
	}
}

func TestAuthenticator_LoginBadCredentials(t *testing.T) {
	f := newFakeVendor(t)
	auth, _, _ := newTestStack(t, f)

	_, err := auth.Login(context.Background(), testUser, "wrong")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Login() error = %v, want ErrAuth", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Op != "login" {
		t.Errorf("error = %#v, want *AuthError op login", err)
	}
	if !authErr.AuthFailure() {
		t.Error("AuthFailure() = false")
	}
	if n := len(f.seen("/v2/app/token")); n != 0 {
		t.Errorf("token endpoint called %d times after failed login", n)
	}
}

func TestAuthenticator_LoginUnreachable(t *testing.T) {
	f := newFakeVendor(t)
	auth, _, _ := newTestStack(t, f)
	f.server.Close()

	_, err := auth.Login(context.Background(), testUser, testPassword)
	if !errors.Is(err, ErrAuth) || !errors.Is(err, ErrTransport) {
		t.Fatalf("Login() error = %v, want ErrAuth and ErrTransport", err)
	}
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.AuthFailure() {
		t.Error("AuthFailure() = true for an unreachable server")
	}
}

func TestAuthenticator_NoCredentials(t *testing.T) {
	f := newFakeVendor(t)
	client, _ := NewClient(Options{BaseURL: f.URL()})
	auth := NewAuthenticator(client, AuthenticatorOptions{})

	_, err := auth.Token(context.Background())
	if !errors.Is(err, ErrAuth) || !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Token() error = %v, want ErrAuth and ErrNoCredentials", err)
	}
}

func TestAuthenticator_TokenLogsInOnce(t *testing.T) {
	f := newFakeVendor(t)
	auth, _, _ := newTestStack(t, f)

	for range 3 {
		tok, err := auth.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok != "tok-a" {
			t.Errorf("Token() = %q, want tok-a", tok)
		}
	}
	if n := len(f.seen("/v2/app/token")); n != 1 {
		t.Errorf("token calls = %d, want 1", n)
	}
}

func TestAuthenticator_RefreshUsesRefreshToken(t *testing.T) {
	f := newFakeVendor(t)
	auth, _, _ := newTestStack(t, f)

	if _, err := auth.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	s, err := auth.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if s.AccessToken != "tok-b" {
		t.Errorf("AccessToken = %q, want tok-b", s.AccessToken)
	}
	if s.UserID != testUserID {
		t.Errorf("UserID lost on refresh: %q", s.UserID)
	}

	refresh := f.seen("/v2/app/token/refresh")
	if len(refresh) != 1 || refresh[0].Form.Get("refreshToken") != "refresh-tok-a" {
		t.Errorf("refresh requests = %+v", refresh)
	}
}

func TestAuthenticator_RefreshFallsBackToLogin(t *testing.T) {
	f := newFakeVendor(t)
	auth, _, _ := newTestStack(t, f)

	if _, err := auth.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.refreshOK = false
	f.mu.Unlock()

	s, err := auth.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if n := len(f.seen("/v1/app/user/newLogin")); n != 2 {
		t.Errorf("newLogin calls = %d, want 2", n)
	}
	if !s.Valid {
		t.Error("session not valid after fallback login")
	}
}

func TestAuthenticator_ConcurrentRefreshShared(t *testing.T) {
	f := newFakeVendor(t)
	block := make(chan struct{})
	f.on("/v2/app/token/refresh", func(w http.ResponseWriter, _ recordedRequest) {
		<-block
		writeEnvelope(w, 200, "ok", map[string]any{"accessToken": "shared", "refreshToken": "r2"})
	})
	auth, _, _ := newTestStack(t, f)
	if _, err := auth.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := auth.Refresh(context.Background())
			if err != nil {
				t.Errorf("Refresh() error = %v", err)
				return
			}
			results[i] = s.AccessToken
		}(i)
	}

	// Let the goroutines pile up on the in-flight refresh.
	for len(f.seen("/v2/app/token/refresh")) == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	for i, tok := range results {
		if tok != "shared" {
			t.Errorf("result %d = %q, want shared", i, tok)
		}
	}
	// Late goroutines may start a second exchange after the first returns,
	// but never one per caller.
	if n := len(f.seen("/v2/app/token/refresh")); n > 2 {
		t.Errorf("refresh calls = %d, want at most 2", n)
	}
}

func TestAuthenticator_InvalidateAdoptRestore(t *testing.T) {
	f := newFakeVendor(t)
	auth, _, _ := newTestStack(t, f)

	var observed []Session
	auth.Observe(func(s Session) { observed = append(observed, s) })

	auth.Restore(Session{Username: testUser, UserID: testUserID, AccessToken: "stored", RefreshToken: "r", Valid: true})
	if len(observed) != 0 {
		t.Errorf("Restore notified observers")
	}
	if tok, _ := auth.Token(context.Background()); tok != "stored" {
		t.Errorf("Token() = %q, want stored", tok)
	}

	auth.Adopt("pushed")
	if got := auth.Session().AccessToken; got != "pushed" {
		t.Errorf("AccessToken = %q, want pushed", got)
	}
	auth.Adopt("pushed")
	auth.Adopt("")

	auth.Invalidate()
	auth.Invalidate()
	if auth.Session().Valid {
		t.Error("session still valid after Invalidate")
	}

	if len(observed) != 2 {
		t.Fatalf("observer calls = %d, want 2 (adopt, invalidate)", len(observed))
	}
	if observed[1].Valid {
		t.Error("invalidate notification has Valid set")
	}
}

func TestAuthenticator_LoginDoesNotJoinRefresh(t *testing.T) {
	f := newFakeVendor(t)
	f.on("/v1/app/user/newLogin", func(w http.ResponseWriter, _ recordedRequest) {
		writeEnvelope(w, 200, "ok", nil)
	})
	f.on("/v2/app/token", func(w http.ResponseWriter, r recordedRequest) {
		user := r.Form.Get("userName")
		writeEnvelope(w, 200, "ok", map[string]any{
			"accessToken":  "login-" + user,
			"refreshToken": "refresh-" + user,
			"id":           4242,
		})
	})
	block := make(chan struct{})
	f.on("/v2/app/token/refresh", func(w http.ResponseWriter, _ recordedRequest) {
		<-block
		writeEnvelope(w, 200, "ok", map[string]any{"accessToken": "refreshed-old", "refreshToken": "r2"})
	})
	auth, _, _ := newTestStack(t, f)
	if _, err := auth.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	refreshed := make(chan error, 1)
	go func() {
		_, err := auth.Refresh(context.Background())
		refreshed <- err
	}()
	for len(f.seen("/v2/app/token/refresh")) == 0 {
		time.Sleep(time.Millisecond)
	}

	const newUser = "other@example.com"
	type result struct {
		s   Session
		err error
	}
	loggedIn := make(chan result, 1)
	go func() {
		s, err := auth.Login(context.Background(), newUser, "other-secret")
		loggedIn <- result{s, err}
	}()

	var got result
	select {
	case got = <-loggedIn:
	case <-time.After(time.Second):
		close(block)
		t.Fatal("Login waited on the in-flight refresh")
	}
	if got.err != nil {
		t.Fatalf("Login() error = %v", got.err)
	}
	if got.s.Username != newUser || got.s.AccessToken != "login-"+newUser {
		t.Errorf("Login() session = %+v, want one for %s", got.s, newUser)
	}

	close(block)
	if err := <-refreshed; err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if s := auth.Session(); s.Username != newUser || s.AccessToken == "refreshed-old" {
		t.Errorf("stored session = %+v, stale refresh overwrote the new login", s)
	}
}
