package aromalink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/aromalink-core/internal/cloud"
	"github.com/nerrad567/aromalink-core/internal/device"
	"github.com/nerrad567/aromalink-core/internal/push"
)

// Client defaults.
const (
	DefaultRefreshInterval = 10 * time.Minute
	DefaultRequeryDelay    = 2 * time.Second

	// storeTimeout bounds one call into a SessionStore or DeviceCache.
	storeTimeout = 5 * time.Second
)

// SessionStore persists the account session between runs.
type SessionStore interface {
	// Load returns the stored session. ok is false when none is stored.
	Load(ctx context.Context) (s cloud.Session, ok bool, err error)
	Save(ctx context.Context, s cloud.Session) error
}

// DeviceCache keeps the last directory listing for offline starts.
type DeviceCache interface {
	LoadDevices(ctx context.Context) ([]device.Info, error)
	SaveDevices(ctx context.Context, devices []device.Info) error
}

// Options configures a Client. Zero values use the component defaults.
type Options struct {
	// Username and Password are the vendor account credentials.
	Username string
	Password string

	// BaseURL is the REST root. Default: cloud.DefaultBaseURL.
	BaseURL        string
	RequestTimeout time.Duration
	HTTPClient     *http.Client

	// RefreshInterval is the device directory refresh period.
	// Default: 10m.
	RefreshInterval time.Duration

	// RequeryDelay is how long after an accepted command the device is
	// queried again. Default: 2s.
	RequeryDelay time.Duration

	// PushURL is the push endpoint. Default: push.DefaultURL.
	PushURL           string
	Dialer            push.Dialer
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	HandshakeTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	GiveUpAfter       int
	ExpiryQueryDelay  time.Duration
	PushHooks         push.Hooks

	TickInterval   time.Duration
	ConfirmTimeout time.Duration
	QueryLead      int

	// Sessions and Cache are optional persistence collaborators.
	Sessions SessionStore
	Cache    DeviceCache

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	Logger Logger
}

// Client is one account's live connection to the Aroma-Link cloud.
//
// It owns the session, the device records and the subscriber registry.
// Consumers read state and subscribe to changes through it; nothing about
// the push connection leaks out besides its lifecycle state.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Subscribers are called on core goroutines and must not block or
//     call Close.
type Client struct {
	auth *cloud.Authenticator
	dir  *cloud.Directory
	ctl  *cloud.Control
	rec  *device.Reconciler
	mgr  *push.Manager

	sessions        SessionStore
	cache           DeviceCache
	refreshInterval time.Duration
	requeryDelay    time.Duration
	now             func() time.Time
	logger          Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	lastSync time.Time
	syncErr  error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires a Client. It does not contact the server; call Start.
func New(opts Options) (*Client, error) {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.RequeryDelay <= 0 {
		opts.RequeryDelay = DefaultRequeryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	rest, err := cloud.NewClient(cloud.Options{
		BaseURL:        opts.BaseURL,
		RequestTimeout: opts.RequestTimeout,
		HTTPClient:     opts.HTTPClient,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("aromalink: %w", err)
	}

	c := &Client{
		sessions:        opts.Sessions,
		cache:           opts.Cache,
		refreshInterval: opts.RefreshInterval,
		requeryDelay:    opts.RequeryDelay,
		now:             opts.Now,
		logger:          opts.Logger,
	}

	c.auth = cloud.NewAuthenticator(rest, cloud.AuthenticatorOptions{
		Username: opts.Username,
		Password: opts.Password,
		Now:      opts.Now,
		Logger:   opts.Logger,
	})
	c.dir = cloud.NewDirectory(rest, c.auth)
	c.ctl = cloud.NewControl(rest, c.auth, opts.RequestTimeout)

	c.rec = device.NewReconciler(device.ReconcilerOptions{
		TickInterval:   opts.TickInterval,
		ConfirmTimeout: opts.ConfirmTimeout,
		QueryLead:      opts.QueryLead,
		Now:            opts.Now,
		Logger:         opts.Logger,
	})
	c.rec.Registry().SetLogger(opts.Logger)

	c.mgr, err = push.NewManager(push.Options{
		URL:               opts.PushURL,
		Dialer:            opts.Dialer,
		Tokens:            tokenSource{auth: c.auth},
		Sink:              c.rec,
		StateTrigger:      c.stateTrigger,
		ScheduleTrigger:   c.scheduleTrigger,
		HeartbeatInterval: opts.HeartbeatInterval,
		MissedHeartbeats:  opts.MissedHeartbeats,
		HandshakeTimeout:  opts.HandshakeTimeout,
		BackoffInitial:    opts.BackoffInitial,
		BackoffMax:        opts.BackoffMax,
		GiveUpAfter:       opts.GiveUpAfter,
		ExpiryQueryDelay:  opts.ExpiryQueryDelay,
		Hooks:             opts.PushHooks,
		Now:               opts.Now,
		Logger:            opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("aromalink: %w", err)
	}
	c.rec.SetHooks(c.mgr.DeviceHooks())

	if c.sessions != nil {
		c.auth.Observe(c.persistSession)
	}
	return c, nil
}

// Start authenticates, loads the device list and starts the push
// connection, countdown emulation and periodic directory refresh. They run
// until ctx is cancelled or Close is called.
//
// Bad credentials fail Start with an error wrapping cloud.ErrAuth. An
// unreachable server does not: the cached device list is used and the
// push connection keeps retrying.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.restoreSession(ctx)

	if _, err := c.auth.Current(ctx); err != nil {
		var authErr *cloud.AuthError
		if errors.As(err, &authErr) && authErr.AuthFailure() {
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
			return fmt.Errorf("aromalink: authenticate: %w", err)
		}
		c.logger.Warn("cloud unreachable at startup", "error", err)
	}

	if err := c.RefreshDevices(ctx); err != nil {
		c.loadCachedDevices(ctx)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(3)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.rec.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		if err := c.mgr.Run(runCtx); err != nil && !errors.Is(err, push.ErrShutdown) {
			c.logger.Error("push manager stopped", "error", err)
		}
	}()
	go c.refreshLoop(runCtx)

	c.logger.Info("aromalink client started",
		"user_id", c.auth.UserID(),
		"devices", len(c.rec.DeviceIDs()),
	)
	return nil
}

func (c *Client) restoreSession(ctx context.Context) {
	if c.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	s, ok, err := c.sessions.Load(ctx)
	switch {
	case err != nil:
		c.logger.Warn("loading stored session failed", "error", err)
	case ok:
		c.auth.Restore(s)
		c.logger.Debug("restored stored session", "user_id", s.UserID, "valid", s.Valid)
	}
}

func (c *Client) persistSession(s cloud.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.sessions.Save(ctx, s); err != nil {
		c.logger.Warn("saving session failed", "error", err)
	}
}

func (c *Client) loadCachedDevices(ctx context.Context) {
	if c.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	infos, err := c.cache.LoadDevices(ctx)
	if err != nil {
		c.logger.Warn("loading cached devices failed", "error", err)
		return
	}
	c.rec.SyncDevices(infos)
	c.logger.Info("using cached device list", "devices", len(infos))
}

func (c *Client) refreshLoop(ctx context.Context) {
	defer c.wg.Done()

	t := time.NewTicker(c.refreshInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = c.RefreshDevices(ctx)
		}
	}
}

// RefreshDevices reloads the directory. Devices no longer listed are
// removed; on failure the current devices are kept. Devices that appear
// while the push connection is up are marked connected and queried.
func (c *Client) RefreshDevices(ctx context.Context) error {
	infos, err := c.dir.ListDevices(ctx)

	c.mu.Lock()
	c.syncErr = err
	if err == nil {
		c.lastSync = c.now()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("device directory refresh failed, keeping current devices", "error", err)
		return err
	}

	known := c.rec.DeviceIDs()
	c.rec.SyncDevices(infos)

	if c.mgr.IsConnected() {
		for _, info := range infos {
			if slices.Contains(known, info.ID) {
				continue
			}
			c.rec.SetConnectionStatus(info.ID, device.StatusConnected)
			c.mgr.ScheduleQuery(info.ID, 0)
		}
	}

	if c.cache != nil {
		sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := c.cache.SaveDevices(sctx, infos); err != nil {
			c.logger.Warn("saving device cache failed", "error", err)
		}
		cancel()
	}

	c.logger.Debug("device directory synced", "devices", len(infos))
	return nil
}

// SendCommand sends cmd for id and reflects an accepted command locally.
//
// SetWorkDuration and SetPauseDuration are sent with the other duration
// taken from the current state. Power and fan changes show immediately and
// the device is re-queried after RequeryDelay. QueryState and
// QuerySchedule also ask over the push connection when it is up.
func (c *Client) SendCommand(ctx context.Context, id string, cmd cloud.Command) (cloud.Ack, error) {
	if c.isClosed() {
		return cloud.Ack{}, ErrClosed
	}
	if cmd == nil {
		return cloud.Ack{}, cloud.ErrInvalidCommand
	}
	st, ok := c.rec.Get(id)
	if !ok {
		return cloud.Ack{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}
	if _, isFan := cmd.(cloud.SetFan); isFan && !st.HasFan {
		return cloud.Ack{}, fmt.Errorf("%w: device %s has no fan", cloud.ErrInvalidCommand, id)
	}

	name := cmd.Name()
	cmd = completeDurations(cmd, st)

	ack, err := c.ctl.SendCommand(ctx, id, cmd)
	if err != nil {
		return ack, err
	}
	ack.Command = name

	c.reflect(ctx, id, cmd)
	return ack, nil
}

// completeDurations turns a single-duration command into SetDurations.
// The missing half comes from st, or its default when st holds a value
// the server would reject.
func completeDurations(cmd cloud.Command, st device.State) cloud.Command {
	work, pause := st.WorkDuration, st.PauseDuration
	if !device.ValidWorkDuration(work) {
		work = device.DefaultWorkDuration
	}
	if !device.ValidPauseDuration(pause) {
		pause = device.DefaultPauseDuration
	}

	switch v := cmd.(type) {
	case cloud.SetWorkDuration:
		return cloud.SetDurations{Work: v.Seconds, Pause: pause}
	case cloud.SetPauseDuration:
		return cloud.SetDurations{Work: work, Pause: v.Seconds}
	default:
		return cmd
	}
}

func (c *Client) reflect(ctx context.Context, id string, cmd cloud.Command) {
	switch v := cmd.(type) {
	case cloud.SetPower:
		c.applyLocal(id, func(s *device.State) { s.Power = v.On })
		c.mgr.ScheduleQuery(id, c.requeryDelay)

	case cloud.SetFan:
		c.applyLocal(id, func(s *device.State) { s.Fan = v.On })
		c.mgr.ScheduleQuery(id, c.requeryDelay)

	case cloud.SetDurations:
		c.applyLocal(id, func(s *device.State) {
			s.WorkDuration = v.Work
			s.PauseDuration = v.Pause
			s.WorkCountdown = min(s.WorkCountdown, v.Work)
			s.PauseCountdown = min(s.PauseCountdown, v.Pause)
		})
		c.mgr.ScheduleQuery(id, c.requeryDelay)
		c.mgr.ScheduleScheduleQuery(id, c.requeryDelay)

	case cloud.SetSchedule:
		c.rec.ApplySchedule(id, v.Day, v.Blocks)
		c.mgr.ScheduleScheduleQuery(id, c.requeryDelay)

	case cloud.QueryState:
		if err := c.mgr.SendStateQuery(ctx, id); err != nil {
			c.logger.Debug("push state query skipped", "device_id", id, "error", err)
		}

	case cloud.QuerySchedule:
		if err := c.mgr.SendScheduleQuery(ctx, id); err != nil {
			c.logger.Debug("push schedule query skipped", "device_id", id, "error", err)
		}
	}
}

func (c *Client) applyLocal(id string, fn func(*device.State)) {
	if err := c.rec.ApplyLocal(id, fn); err != nil {
		c.logger.Debug("local update skipped", "device_id", id, "error", err)
	}
}

// stateTrigger opens the device's work page so the push server answers
// the state query that follows.
func (c *Client) stateTrigger(ctx context.Context, id string) error {
	_, err := c.ctl.SendCommand(ctx, id, cloud.QueryState{})
	return err
}

// scheduleTrigger requests today's schedule, which arrives over push.
func (c *Client) scheduleTrigger(ctx context.Context, id string) error {
	_, err := c.ctl.SendCommand(ctx, id, cloud.QuerySchedule{Day: c.now().Weekday()})
	return err
}

// Subscribe registers s for changes to one device.
func (c *Client) Subscribe(id string, s device.Subscriber) device.Handle {
	return c.rec.Registry().Subscribe(id, s)
}

// SubscribeAll registers s for changes to every device.
func (c *Client) SubscribeAll(s device.Subscriber) device.Handle {
	return c.rec.Registry().SubscribeAll(s)
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (c *Client) Unsubscribe(h device.Handle) {
	c.rec.Registry().Unsubscribe(h)
}

// GetState returns a copy of one device's state.
func (c *Client) GetState(id string) (device.State, bool) {
	return c.rec.Get(id)
}

// Devices returns a copy of every device's state in directory order.
func (c *Client) Devices() []device.State {
	return c.rec.States()
}

// ConnectionState returns the push connection lifecycle state.
func (c *Client) ConnectionState() push.State {
	return c.mgr.State()
}

// Session returns the current session. Tokens are included; callers must
// not log them.
func (c *Client) Session() cloud.Session {
	return c.auth.Session()
}

// Stats aggregates component counters.
type Stats struct {
	Push     push.Stats   `json:"push"`
	Devices  device.Stats `json:"devices"`
	LastSync time.Time    `json:"last_sync"`
	SyncErr  string       `json:"sync_error,omitempty"`
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	s := Stats{LastSync: c.lastSync}
	if c.syncErr != nil {
		s.SyncErr = c.syncErr.Error()
	}
	c.mu.Unlock()

	s.Push = c.mgr.Stats()
	s.Devices = c.rec.Stats()
	return s
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops every goroutine and suppresses further notifications.
// It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		_ = c.mgr.Close()
		c.wg.Wait()
		c.rec.Close()
		c.logger.Info("aromalink client closed")
	})
	return nil
}
