package cloud

import (
	"context"
	"crypto/md5" //nolint:gosec // vendor protocol requires an MD5 password digest
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/aromalink-core/internal/infrastructure/logging"
)

// Session is the credential state obtained from a login.
type Session struct {
	Username     string    `json:"username"`
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	IssuedAt     time.Time `json:"issued_at"`
	Valid        bool      `json:"valid"`
}

// AuthenticatorOptions configures an Authenticator.
type AuthenticatorOptions struct {
	// Username and Password are used for full logins. They may be empty
	// when a stored session is restored, but then an expired refresh
	// token cannot be recovered.
	Username string
	Password string

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	Logger Logger
}

// Authenticator owns the account session.
//
// Token returns a usable access token, logging in or refreshing as needed.
// Concurrent refreshes collapse into one exchange.
//
// Thread Safety: All methods are safe for concurrent use. Observers are
// called without the lock held.
type Authenticator struct {
	client *Client
	now    func() time.Time
	logger Logger

	mu           sync.Mutex
	username     string
	passwordHash string
	credsGen     uint64 // bumped by Login
	session      Session
	observers    []func(Session)

	flight singleflight.Group
}

// NewAuthenticator creates an Authenticator on top of client.
func NewAuthenticator(client *Client, opts AuthenticatorOptions) *Authenticator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	a := &Authenticator{
		client:   client,
		now:      opts.Now,
		logger:   opts.Logger,
		username: opts.Username,
	}
	if opts.Password != "" {
		a.passwordHash = hashPassword(opts.Password)
	}
	return a
}

// hashPassword returns the lowercase hex MD5 digest the vendor expects.
func hashPassword(password string) string {
	sum := md5.Sum([]byte(password)) //nolint:gosec // vendor protocol
	return hex.EncodeToString(sum[:])
}

// tokenData is the data object of the token endpoints.
type tokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ID           flexID `json:"id"`
}

// Login performs a full credential exchange and stores the resulting
// session. The credentials replace any configured ones.
func (a *Authenticator) Login(ctx context.Context, username, password string) (Session, error) {
	a.mu.Lock()
	a.username = username
	a.passwordHash = hashPassword(password)
	a.credsGen++
	a.mu.Unlock()

	v, err, shared := a.flight.Do("login", func() (any, error) {
		return a.login(ctx)
	})
	if err != nil {
		return Session{}, err
	}
	// A shared exchange may have read credentials set by another Login.
	if s := v.(Session); !shared || s.Username == username {
		return s, nil
	}
	return a.login(ctx)
}

// login runs the two-step exchange with the stored credentials.
func (a *Authenticator) login(ctx context.Context) (Session, error) {
	a.mu.Lock()
	username, hash := a.username, a.passwordHash
	a.mu.Unlock()

	if username == "" || hash == "" {
		return Session{}, &AuthError{Op: "login", Err: ErrNoCredentials}
	}

	form := url.Values{"userName": {username}, "password": {hash}}

	env, err := a.client.do(ctx, request{method: http.MethodPost, path: "/v1/app/user/newLogin", form: form})
	if err != nil {
		return Session{}, loginFailure("login", err)
	}
	if env.Code != codeOK {
		return Session{}, &AuthError{Op: "login", Code: env.Code, Msg: env.Msg}
	}

	env, err = a.client.do(ctx, request{method: http.MethodPost, path: "/v2/app/token", form: form})
	if err != nil {
		return Session{}, loginFailure("token", err)
	}
	var data tokenData
	if err := decodeData(env, &data); err != nil {
		return Session{}, loginFailure("token", err)
	}
	if data.AccessToken == "" || data.ID == "" {
		return Session{}, &AuthError{Op: "token", Code: env.Code, Msg: "missing token or user id"}
	}

	s := Session{
		Username:     username,
		UserID:       string(data.ID),
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		IssuedAt:     a.now(),
		Valid:        true,
	}
	a.store(s)

	a.logger.Info("logged in to aroma-link",
		"user_id", s.UserID,
		logging.TokenAttr("access_token", s.AccessToken),
	)
	return s, nil
}

// loginFailure turns an exchange error into an AuthError. Transport
// failures stay transport failures wrapped in the AuthError.
func loginFailure(op string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &AuthError{Op: op, Code: apiErr.Code, Msg: apiErr.Msg}
	}
	if errors.Is(err, ErrUnauthorized) {
		return &AuthError{Op: op, Code: codeUnauthorized, Err: err}
	}
	return &AuthError{Op: op, Err: err}
}

// Refresh exchanges the refresh token for a new session. When there is no
// refresh token or the exchange fails, it falls back to a full login.
// Concurrent calls share one exchange.
func (a *Authenticator) Refresh(ctx context.Context) (Session, error) {
	v, err, shared := a.flight.Do("refresh", func() (any, error) {
		return a.refresh(ctx)
	})
	if shared {
		a.logger.Debug("joined in-flight token refresh")
	}
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (a *Authenticator) refresh(ctx context.Context) (Session, error) {
	a.mu.Lock()
	current, gen := a.session, a.credsGen
	a.mu.Unlock()

	if current.RefreshToken != "" {
		s, err := a.refreshToken(ctx, current, gen)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return Session{}, err
		}
		a.logger.Warn("token refresh failed, falling back to login", "error", err)
	}
	return a.login(ctx)
}

// refreshToken exchanges current's refresh token. The result is dropped
// with errCredentialsChanged when Login ran since gen was read.
func (a *Authenticator) refreshToken(ctx context.Context, current Session, gen uint64) (Session, error) {
	form := url.Values{"refreshToken": {current.RefreshToken}}
	env, err := a.client.do(ctx, request{method: http.MethodPost, path: "/v2/app/token/refresh", form: form})
	if err != nil {
		return Session{}, loginFailure("refresh", err)
	}

	var data tokenData
	if err := decodeData(env, &data); err != nil {
		return Session{}, loginFailure("refresh", err)
	}

	s := current
	if data.AccessToken != "" {
		s.AccessToken = data.AccessToken
	}
	if data.RefreshToken != "" {
		s.RefreshToken = data.RefreshToken
	}
	if data.ID != "" {
		s.UserID = string(data.ID)
	}
	s.IssuedAt = a.now()
	s.Valid = true

	a.mu.Lock()
	if a.credsGen != gen {
		a.mu.Unlock()
		return Session{}, errCredentialsChanged
	}
	a.session = s
	a.mu.Unlock()
	a.notify(s)

	a.logger.Debug("access token refreshed", logging.TokenAttr("access_token", s.AccessToken))
	return s, nil
}

var errCredentialsChanged = errors.New("cloud: credentials changed during refresh")

// Token returns the current access token, obtaining a session first when
// there is none or it was invalidated.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	s, err := a.Current(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// Current returns a valid session, obtaining one when needed.
func (a *Authenticator) Current(ctx context.Context) (Session, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if s.Valid && s.AccessToken != "" {
		return s, nil
	}
	return a.Refresh(ctx)
}

// Session returns the stored session without contacting the server.
func (a *Authenticator) Session() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// UserID returns the account id of the stored session.
func (a *Authenticator) UserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.UserID
}

// Invalidate marks the session unusable. The next Token call refreshes.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	changed := a.session.Valid
	a.session.Valid = false
	s := a.session
	a.mu.Unlock()

	if changed {
		a.logger.Info("session invalidated", "user_id", s.UserID)
		a.notify(s)
	}
}

// Adopt replaces the access token with one the push server issued.
func (a *Authenticator) Adopt(token string) {
	if token == "" {
		return
	}

	a.mu.Lock()
	if a.session.AccessToken == token && a.session.Valid {
		a.mu.Unlock()
		return
	}
	a.session.AccessToken = token
	a.session.Valid = true
	a.session.IssuedAt = a.now()
	s := a.session
	a.mu.Unlock()

	a.logger.Debug("adopted access token from push handshake", logging.TokenAttr("access_token", token))
	a.notify(s)
}

// Restore seeds a session loaded from persistent storage. Observers are
// not called.
func (a *Authenticator) Restore(s Session) {
	a.mu.Lock()
	a.session = s
	if s.Username != "" && a.username == "" {
		a.username = s.Username
	}
	a.mu.Unlock()
}

// Observe registers fn to be called after every session change.
func (a *Authenticator) Observe(fn func(Session)) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

func (a *Authenticator) store(s Session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	a.notify(s)
}

func (a *Authenticator) notify(s Session) {
	a.mu.Lock()
	observers := make([]func(Session), len(a.observers))
	copy(observers, a.observers)
	a.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

// authorized runs fn with a valid session. When the server rejects the
// token, the session is invalidated, refreshed once and fn is retried once.
func (a *Authenticator) authorized(ctx context.Context, fn func(Session) error) error {
	s, err := a.Current(ctx)
	if err != nil {
		return err
	}

	err = fn(s)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	a.logger.Debug("token rejected, refreshing", "user_id", s.UserID)
	a.Invalidate()
	s, err = a.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("cloud: re-authenticate: %w", err)
	}
	return fn(s)
}
