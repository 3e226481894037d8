package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/aromalink-core/internal/device"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/logging"
)

// Manager defaults.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultExpiryQueryDelay  = 2 * time.Second

	// maxPendingFrames bounds frames buffered while the handshake is
	// still waiting for its acknowledgement.
	maxPendingFrames = 32
)

// State is the connection lifecycle state.
type State string

// Connection states.
const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateShutdown       State = "shutdown"
)

// TokenSource supplies handshake credentials.
type TokenSource interface {
	// Credentials returns the access token and account id, logging in
	// when needed.
	Credentials(ctx context.Context) (token, userID string, err error)

	// Renew forces a token refresh after the server refused the handshake.
	Renew(ctx context.Context) error

	// Adopt stores a token the server issued during the handshake.
	Adopt(token string)
}

// Sink receives decoded device data. *device.Reconciler implements it.
type Sink interface {
	ApplySnapshot(id string, snap device.Snapshot) bool
	ApplySchedule(id string, day time.Weekday, blocks []device.TimeBlock) bool
	SetConnectionStatusAll(status device.ConnectionStatus)
	DeviceIDs() []string
}

// Trigger is a REST call made before a push query. The vendor only answers
// queries for a device whose page was opened through the REST API.
type Trigger func(ctx context.Context, deviceID string) error

// Hooks are optional lifecycle callbacks. They run on manager goroutines
// and must not block.
type Hooks struct {
	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(State)

	// OnGiveUp fires once when consecutive failures reach GiveUpAfter.
	OnGiveUp func(failures int)

	// OnAuthFailure fires once per outage made of authentication failures.
	OnAuthFailure func(err error)

	// OnReconnectScheduled fires with the delay before every reconnect
	// attempt made by Run.
	OnReconnectScheduled func(delay time.Duration)
}

// Options configures a Manager.
type Options struct {
	// URL is the push endpoint. Default: DefaultURL.
	URL string

	// Dialer opens sockets. Default: WebSocketDialer.
	Dialer Dialer

	// Tokens supplies credentials. Required.
	Tokens TokenSource

	// Sink receives device data. Required.
	Sink Sink

	// StateTrigger runs before every state query. Optional.
	StateTrigger Trigger

	// ScheduleTrigger runs before every schedule query. Optional.
	ScheduleTrigger Trigger

	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	HandshakeTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration

	// GiveUpAfter is the number of consecutive failures after which
	// devices stay unavailable between attempts. 0 never gives up.
	// Attempts continue at the capped delay either way.
	GiveUpAfter int

	// ExpiryQueryDelay is the wait before re-querying a device whose
	// countdown reached zero. Default: 2s.
	ExpiryQueryDelay time.Duration

	Hooks Hooks

	// Now is the clock for snapshot age correction. Default: time.Now.
	Now func() time.Time

	Logger Logger
}

// connSession is one established connection.
type connSession struct {
	conn Conn
	done chan struct{}
	lost sync.Once
}

// errNack is an internal signal for a refused handshake.
var errNack = errors.New("push: handshake refused")

// Manager owns the single push connection for an account.
//
// It performs the handshake, keeps the connection alive with heartbeats,
// dispatches inbound frames to the Sink in arrival order and reconnects
// with exponential backoff. Connection loss marks every device
// unavailable in one batch.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Only one connection attempt runs at a time.
//   - No Sink call starts after Close returns.
type Manager struct {
	url              string
	dialer           Dialer
	tokens           TokenSource
	sink             Sink
	stateTrigger     Trigger
	scheduleTrigger  Trigger
	heartbeat        time.Duration
	liveness         time.Duration
	handshakeTimeout time.Duration
	giveUpAfter      int
	expiryDelay      time.Duration
	hooks            Hooks
	now              func() time.Time
	logger           Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	sess          *connSession
	timers        map[string]*time.Timer
	backoff       Backoff
	everConnected bool
	connectedAt   time.Time
	closed        bool

	wg         sync.WaitGroup
	closeOnce  sync.Once
	attempting atomic.Bool

	gaveUp       atomic.Bool
	authReported atomic.Bool

	attempts   atomic.Uint64
	connects   atomic.Uint64
	losses     atomic.Uint64
	heartbeats atomic.Uint64
	queries    atomic.Uint64
	malformed  atomic.Uint64
	messages   map[Kind]*atomic.Uint64
}

// NewManager creates a Manager. It does not connect.
func NewManager(opts Options) (*Manager, error) {
	if opts.Tokens == nil {
		return nil, errors.New("push: token source is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("push: sink is required")
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MissedHeartbeats <= 0 {
		opts.MissedHeartbeats = DefaultMissedHeartbeats
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	if opts.GiveUpAfter < 0 {
		return nil, fmt.Errorf("push: give_up_after must be >= 0, got %d", opts.GiveUpAfter)
	}
	if opts.ExpiryQueryDelay <= 0 {
		opts.ExpiryQueryDelay = DefaultExpiryQueryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:              opts.URL,
		dialer:           opts.Dialer,
		tokens:           opts.Tokens,
		sink:             opts.Sink,
		stateTrigger:     opts.StateTrigger,
		scheduleTrigger:  opts.ScheduleTrigger,
		heartbeat:        opts.HeartbeatInterval,
		liveness:         opts.HeartbeatInterval * time.Duration(opts.MissedHeartbeats),
		handshakeTimeout: opts.HandshakeTimeout,
		giveUpAfter:      opts.GiveUpAfter,
		expiryDelay:      opts.ExpiryQueryDelay,
		hooks:            opts.Hooks,
		now:              opts.Now,
		logger:           opts.Logger,
		ctx:              ctx,
		cancel:           cancel,
		state:            StateDisconnected,
		timers:           make(map[string]*time.Timer),
		backoff:          Backoff{Initial: opts.BackoffInitial, Max: opts.BackoffMax},
		messages:         make(map[Kind]*atomic.Uint64, len(Kinds)),
	}
	for _, k := range Kinds {
		m.messages[k] = new(atomic.Uint64)
	}
	return m, nil
}

// track registers a goroutine with the shutdown wait group. It returns
// false once Close has started.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// bind returns a context cancelled with ctx or on Close.
func (m *Manager) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Run keeps the connection up until ctx is cancelled or Close is called.
// It is the only goroutine that schedules reconnect attempts.
func (m *Manager) Run(ctx context.Context) error {
	if !m.track() {
		return ErrShutdown
	}
	defer m.wg.Done()

	ctx, cancel := m.bind(ctx)
	defer cancel()

	for {
		if ctx.Err() != nil {
			m.disconnect()
			return nil
		}

		if !m.gaveUp.Load() {
			m.sink.SetConnectionStatusAll(device.StatusReconnecting)
		}

		err := m.Connect(ctx)
		switch {
		case err == nil:
			if sess := m.current(); sess != nil {
				select {
				case <-ctx.Done():
					m.disconnect()
					return nil
				case <-sess.done:
				}
			}
			err = errors.New("connection lost")
		case errors.Is(err, ErrShutdown):
			return nil
		case ctx.Err() != nil:
			m.disconnect()
			return nil
		default:
			m.logger.Warn("push connection attempt failed", "error", err)
			if !m.gaveUp.Load() {
				m.sink.SetConnectionStatusAll(device.StatusUnavailable)
			}
		}

		delay := m.recordFailure(err)
		m.logger.Debug("push reconnect scheduled", "delay", delay.String())
		if m.hooks.OnReconnectScheduled != nil {
			m.hooks.OnReconnectScheduled(delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			m.disconnect()
			return nil
		case <-t.C:
		}
	}
}

// recordFailure advances the backoff and fires the give-up and auth hooks.
func (m *Manager) recordFailure(err error) time.Duration {
	m.mu.Lock()
	delay := m.backoff.Failure()
	failures := m.backoff.Failures()
	m.mu.Unlock()

	if authFailure(err) && m.authReported.CompareAndSwap(false, true) {
		m.logger.Error("push authentication keeps failing", "error", err)
		if m.hooks.OnAuthFailure != nil {
			m.hooks.OnAuthFailure(err)
		}
	}

	if m.giveUpAfter > 0 && failures >= m.giveUpAfter && m.gaveUp.CompareAndSwap(false, true) {
		m.logger.Warn("push connection unavailable, retrying at capped delay",
			"failures", failures,
		)
		if m.hooks.OnGiveUp != nil {
			m.hooks.OnGiveUp(failures)
		}
	}
	if m.gaveUp.Load() {
		delay = m.backoff.Limit()
	}
	return delay
}

// Connect performs one connection attempt: dial, handshake and start the
// connection goroutines. A refused handshake refreshes the token once and
// retries once. It returns nil if already connected.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.track() {
		return ErrShutdown
	}
	defer m.wg.Done()

	if !m.attempting.CompareAndSwap(false, true) {
		return ErrAttemptInProgress
	}
	defer m.attempting.Store(false)

	if m.State() == StateConnected {
		return nil
	}

	ctx, cancel := m.bind(ctx)
	defer cancel()

	m.attempts.Add(1)
	m.setState(StateConnecting)

	conn, pending, err := m.handshake(ctx)
	if errors.Is(err, errNack) {
		m.logger.Info("push handshake refused, refreshing token")
		if rerr := m.tokens.Renew(ctx); rerr != nil {
			m.failed()
			return fmt.Errorf("%w: refresh: %w", ErrAuthRejected, rerr)
		}
		conn, pending, err = m.handshake(ctx)
		if errors.Is(err, errNack) {
			err = ErrAuthRejected
		}
	}
	if err != nil {
		m.failed()
		return err
	}

	if !m.established(conn, pending) {
		_ = conn.Close()
		return ErrShutdown
	}
	return nil
}

// failed moves the state back after an unsuccessful attempt.
func (m *Manager) failed() {
	m.mu.Lock()
	next := StateDisconnected
	if m.everConnected {
		next = StateReconnecting
	}
	m.mu.Unlock()
	m.setState(next)
}

// handshake dials and waits for the acknowledgement. Frames that arrive
// before it are returned for dispatch once connected.
func (m *Manager) handshake(ctx context.Context) (Conn, []Message, error) {
	token, userID, err := m.tokens.Credentials(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("push: credentials: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, m.url)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: dial: %w", ErrTransport, err)
		}
		return nil, nil, err
	}

	// Cancellation unblocks the read below.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	m.setState(StateAuthenticating)
	m.logger.Debug("push handshake", "user_id", userID, logging.TokenAttr("access_token", token))

	if err := conn.WriteMessage(LoginFrame(token, userID)); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: handshake write: %w", ErrTransport, err)
	}

	deadline := time.Now().Add(m.handshakeTimeout)
	_ = conn.SetReadDeadline(deadline)

	var pending []Message
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			switch {
			case ctx.Err() != nil:
				return nil, nil, ctx.Err()
			case isTimeout(err):
				return nil, nil, ErrHandshakeTimeout
			default:
				return nil, nil, fmt.Errorf("%w: handshake read: %w", ErrTransport, err)
			}
		}

		msg, err := DecodeMessage(raw)
		if err != nil {
			m.dropMalformed(err)
			continue
		}
		m.messages[msg.Kind].Add(1)

		switch msg.Kind {
		case KindGreeting:
			return conn, pending, nil
		case KindAuthAck:
			if msg.Token != "" {
				m.tokens.Adopt(msg.Token)
			}
			return conn, pending, nil
		case KindAuthNack:
			_ = conn.Close()
			return nil, nil, errNack
		default:
			if len(pending) < maxPendingFrames {
				pending = append(pending, msg)
			}
		}
	}
}

// established installs a connection after a successful handshake.
func (m *Manager) established(conn Conn, pending []Message) bool {
	sess := &connSession{conn: conn, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.sess = sess
	m.everConnected = true
	m.connectedAt = m.now()
	m.backoff.Reset()
	m.wg.Add(3)
	m.mu.Unlock()

	m.gaveUp.Store(false)
	m.authReported.Store(false)
	m.connects.Add(1)
	m.setState(StateConnected)
	m.logger.Info("push connected", "url", m.url)

	m.sink.SetConnectionStatusAll(device.StatusConnected)
	for _, msg := range pending {
		m.dispatch(sess, msg)
	}

	go m.readLoop(sess)
	go m.heartbeatLoop(sess)
	go m.queryAll()
	return true
}

// readLoop dispatches inbound frames until the connection fails.
func (m *Manager) readLoop(sess *connSession) {
	defer m.wg.Done()

	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(m.liveness))
		raw, err := sess.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				err = fmt.Errorf("%w: no frame for %s", ErrTransport, m.liveness)
			}
			m.lost(sess, err)
			return
		}

		msg, err := DecodeMessage(raw)
		if err != nil {
			m.dropMalformed(err)
			continue
		}
		m.messages[msg.Kind].Add(1)
		m.dispatch(sess, msg)
	}
}

// heartbeatLoop sends one heartbeat per known device every interval.
func (m *Manager) heartbeatLoop(sess *connSession) {
	defer m.wg.Done()

	t := time.NewTicker(m.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-m.ctx.Done():
			return
		case <-t.C:
			for _, id := range m.sink.DeviceIDs() {
				if err := sess.conn.WriteMessage(HeartbeatFrame(id)); err != nil {
					m.lost(sess, fmt.Errorf("%w: heartbeat: %w", ErrTransport, err))
					return
				}
				m.heartbeats.Add(1)
			}
		}
	}
}

// queryAll asks for a fresh snapshot and schedule of every known device.
func (m *Manager) queryAll() {
	defer m.wg.Done()

	for _, id := range m.sink.DeviceIDs() {
		if m.ctx.Err() != nil {
			return
		}
		if err := m.QueryState(m.ctx, id); err != nil {
			m.logger.Debug("initial state query failed", "device_id", id, "error", err)
			return
		}
		if err := m.QuerySchedule(m.ctx, id); err != nil {
			m.logger.Debug("initial schedule query failed", "device_id", id, "error", err)
			return
		}
	}
}

// lost tears down a connection once. Devices become unavailable unless
// the manager is closing.
func (m *Manager) lost(sess *connSession, cause error) {
	sess.lost.Do(func() {
		m.mu.Lock()
		if m.sess == sess {
			m.sess = nil
		}
		closed := m.closed
		m.mu.Unlock()

		_ = sess.conn.Close()
		close(sess.done)

		if closed {
			return
		}
		m.losses.Add(1)
		m.setState(StateReconnecting)
		m.logger.Warn("push connection lost", "error", cause)
		m.sink.SetConnectionStatusAll(device.StatusUnavailable)
	})
}

// disconnect drops the current connection after Run was cancelled.
func (m *Manager) disconnect() {
	if sess := m.current(); sess != nil {
		m.lost(sess, context.Canceled)
	}
	m.setState(StateDisconnected)
}

func (m *Manager) dispatch(sess *connSession, msg Message) {
	switch msg.Kind {
	case KindSnapshot:
		if msg.DeviceID == "" {
			m.logger.Debug("snapshot without device id ignored")
			return
		}
		snap, ok := msg.Snapshot(m.now())
		if !ok {
			return
		}
		if !m.sink.ApplySnapshot(msg.DeviceID, snap) {
			m.logger.Debug("stale snapshot ignored", "device_id", msg.DeviceID, "seq", snap.Seq)
		}

	case KindSchedule:
		if msg.DeviceID == "" {
			return
		}
		byDay := msg.ScheduleByDay()
		for day := time.Sunday; day <= time.Saturday; day++ {
			if blocks, ok := byDay[day]; ok {
				m.sink.ApplySchedule(msg.DeviceID, day, blocks)
			}
		}

	case KindAuthAck:
		if msg.Token != "" {
			m.tokens.Adopt(msg.Token)
		}

	case KindAuthNack:
		m.lost(sess, fmt.Errorf("%w: server revoked session", ErrAuthRejected))

	case KindHeartbeatAck, KindGreeting:

	default:
		m.logger.Debug("ignoring push message", "type", msg.Type)
	}
}

func (m *Manager) dropMalformed(err error) {
	m.malformed.Add(1)
	m.logger.Warn("dropping malformed push message", "error", err)
}

// QueryState runs the state trigger and asks for a fresh snapshot of id.
// A trigger failure is logged and the query is still sent.
func (m *Manager) QueryState(ctx context.Context, id string) error {
	return m.query(ctx, id, m.stateTrigger, StateQueryFrame(id))
}

// QuerySchedule runs the schedule trigger and asks for id's schedule.
func (m *Manager) QuerySchedule(ctx context.Context, id string) error {
	return m.query(ctx, id, m.scheduleTrigger, ScheduleQueryFrame(id))
}

func (m *Manager) query(ctx context.Context, id string, trigger Trigger, frame []byte) error {
	sess := m.current()
	if sess == nil {
		return ErrNotConnected
	}

	if trigger != nil {
		if err := trigger(ctx, id); err != nil {
			m.logger.Warn("push query trigger failed", "device_id", id, "error", err)
		}
	}

	if err := sess.conn.WriteMessage(frame); err != nil {
		err = fmt.Errorf("%w: query: %w", ErrTransport, err)
		m.lost(sess, err)
		return err
	}
	m.queries.Add(1)
	return nil
}

// SendStateQuery writes a state query frame for id without running the
// state trigger. Callers that already made the REST call use it.
func (m *Manager) SendStateQuery(ctx context.Context, id string) error {
	return m.query(ctx, id, nil, StateQueryFrame(id))
}

// SendScheduleQuery is SendStateQuery for the schedule.
func (m *Manager) SendScheduleQuery(ctx context.Context, id string) error {
	return m.query(ctx, id, nil, ScheduleQueryFrame(id))
}

// ScheduleQuery sends a state query for id after delay. A later call for
// the same device replaces a pending one.
func (m *Manager) ScheduleQuery(id string, delay time.Duration) {
	m.after("state:"+id, delay, func() {
		if err := m.QueryState(m.ctx, id); err != nil {
			m.logger.Debug("scheduled state query skipped", "device_id", id, "error", err)
		}
	})
}

// ScheduleScheduleQuery sends a schedule query for id after delay, with the
// same per-device debounce as ScheduleQuery.
func (m *Manager) ScheduleScheduleQuery(id string, delay time.Duration) {
	m.after("schedule:"+id, delay, func() {
		if err := m.QuerySchedule(m.ctx, id); err != nil {
			m.logger.Debug("scheduled schedule query skipped", "device_id", id, "error", err)
		}
	})
}

// after runs fn once delay has passed, replacing any pending call for key.
// Calls still pending at Close never run.
func (m *Manager) after(key string, delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if m.timers[key] == t {
			delete(m.timers, key)
		}
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		fn()
	})
	m.timers[key] = t
}

// DeviceHooks returns reconciler hooks that re-query devices around phase
// transitions: immediately when a phase is ending or a pause has just
// started, and after the expiry delay once the countdown reached zero.
func (m *Manager) DeviceHooks() device.Hooks {
	return device.Hooks{
		OnPhaseEnding:      func(id string) { m.ScheduleQuery(id, 0) },
		OnCountdownExpired: func(id string) { m.ScheduleQuery(id, m.expiryDelay) },
		OnPauseStarted:     func(id string) { m.ScheduleQuery(id, 0) },
	}
}

func (m *Manager) current() *connSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a connection is established.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev == StateShutdown || prev == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.logger.Debug("push state changed", "from", string(prev), "to", string(s))
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(s)
	}
}

// Stats holds connection counters.
type Stats struct {
	State               State
	Attempts            uint64
	Connects            uint64
	Losses              uint64
	ConsecutiveFailures int
	GaveUp              bool
	HeartbeatsSent      uint64
	QueriesSent         uint64
	Malformed           uint64
	Messages            map[Kind]uint64
	ConnectedSince      time.Time
}

// Stats returns a snapshot of the connection counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		State:               m.state,
		ConsecutiveFailures: m.backoff.Failures(),
	}
	if m.state == StateConnected {
		s.ConnectedSince = m.connectedAt
	}
	m.mu.Unlock()

	s.Attempts = m.attempts.Load()
	s.Connects = m.connects.Load()
	s.Losses = m.losses.Load()
	s.GaveUp = m.gaveUp.Load()
	s.HeartbeatsSent = m.heartbeats.Load()
	s.QueriesSent = m.queries.Load()
	s.Malformed = m.malformed.Load()
	s.Messages = make(map[Kind]uint64, len(m.messages))
	for k, c := range m.messages {
		s.Messages[k] = c.Load()
	}
	return s
}

// Close stops the manager: pending queries are cancelled, the connection
// is closed and every manager goroutine is joined. Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		sess := m.sess
		for _, t := range m.timers {
			t.Stop()
		}
		m.timers = nil
		m.mu.Unlock()

		m.cancel()
		if sess != nil {
			m.lost(sess, ErrShutdown)
		}
		m.wg.Wait()

		m.setState(StateShutdown)
		m.logger.Info("push manager closed")
	})
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
