package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Reconciler defaults.
const (
	DefaultTickInterval   = time.Second
	DefaultConfirmTimeout = 10 * time.Second
	DefaultQueryLead      = 1
)

// Hooks lets the push connection react to countdown milestones.
// Hooks run after the state lock is released and must not block.
type Hooks struct {
	// OnPhaseEnding fires when the active countdown reaches the query
	// lead (1 second by default) so a fresh snapshot can be requested.
	OnPhaseEnding func(deviceID string)

	// OnCountdownExpired fires when the active countdown reaches zero, and
	// again whenever the confirmation wait ends in a local phase flip.
	OnCountdownExpired func(deviceID string)

	// OnPauseStarted fires when the pause countdown has run for the query
	// lead, so the server can confirm the transition into the pause phase.
	OnPauseStarted func(deviceID string)
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	// Registry receives change notifications. Required.
	Registry *Registry

	// TickInterval is the countdown step. Default: 1s.
	TickInterval time.Duration

	// ConfirmTimeout bounds how long a device waits at a zero countdown
	// for a server snapshot before the phase is flipped locally.
	// Default: 10s.
	ConfirmTimeout time.Duration

	// QueryLead is the remaining countdown, in ticks, at which
	// OnPhaseEnding fires. Default: 1.
	QueryLead int

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	Logger Logger
}

// notice is one queued notification. A drop notice removes the device's
// own subscriptions once its final state has been delivered.
type notice struct {
	state State
	drop  bool
}

type record struct {
	state State

	// nextDecrement is the earliest time the active countdown may step.
	// A snapshot moves it one interval past the apply time.
	nextDecrement time.Time

	// expiredAt is when the active countdown reached zero.
	expiredAt time.Time

	// needsSnapshot is set when the connection is restored. Ticking
	// waits until the server reports the phase again.
	needsSnapshot bool
}

// Reconciler owns the authoritative in-memory state of every device.
//
// All mutations pass through its methods and are serialised by one mutex.
// Server snapshots always win over local countdown emulation. A snapshot
// whose Seq is older than the last applied one is discarded.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Subscribers are notified after the lock is released, in the order
//     the changes were made. One goroutine delivers at a time; a change made
//     while another goroutine is delivering is handed to that goroutine.
//   - A subscriber may call back into the Reconciler but must not call Close.
type Reconciler struct {
	mu      sync.Mutex
	records map[string]*record
	order   []string

	// pending holds notifications not yet delivered, in mutation order.
	// delivering is set while one goroutine drains it. Both under mu.
	pending    []notice
	delivering bool

	registry       *Registry
	interval       time.Duration
	confirmTimeout time.Duration
	queryLead      int
	now            func() time.Time
	logger         Logger
	hooks          Hooks

	// notifyMu is held by the delivering goroutine and by Close, so no
	// callback runs once Close returns.
	notifyMu sync.Mutex
	closed   atomic.Bool

	staleDiscarded atomic.Uint64
	localFlips     atomic.Uint64
}

// NewReconciler creates a Reconciler with no devices.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.QueryLead <= 0 {
		opts.QueryLead = DefaultQueryLead
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Reconciler{
		records:        make(map[string]*record),
		registry:       opts.Registry,
		interval:       opts.TickInterval,
		confirmTimeout: opts.ConfirmTimeout,
		queryLead:      opts.QueryLead,
		now:            opts.Now,
		logger:         opts.Logger,
	}
}

// SetHooks installs countdown hooks. Call before Run.
func (r *Reconciler) SetHooks(h Hooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

// Registry returns the subscriber registry the Reconciler notifies.
func (r *Reconciler) Registry() *Registry {
	return r.registry
}

// ensure returns the record for id, creating it on first mention.
// Caller holds r.mu.
func (r *Reconciler) ensure(id string) *record {
	rec, ok := r.records[id]
	if !ok {
		rec = &record{state: newState(id)}
		rec.state.UpdatedAt = r.now()
		r.records[id] = rec
		r.order = append(r.order, id)
		r.logger.Debug("device record created", "device_id", id)
	}
	return rec
}

// ApplySnapshot overwrites the fields present in snap with server values.
//
// It returns false when the snapshot is stale (snap.Seq is non-zero and
// older than the last applied sequence). Stale snapshots change nothing
// and notify no one. An equal sequence is applied.
//
// The age of the snapshot is subtracted from the active countdown only.
// The decrement alignment restarts one interval after the apply.
func (r *Reconciler) ApplySnapshot(id string, snap Snapshot) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	rec := r.ensure(id)
	st := &rec.state

	if snap.Seq != 0 && snap.Seq < st.Seq {
		r.mu.Unlock()
		r.staleDiscarded.Add(1)
		r.logger.Debug("stale snapshot discarded",
			"device_id", id,
			"seq", snap.Seq,
			"last_seq", st.Seq,
		)
		return false
	}

	before := st.Clone()
	now := r.now()

	if snap.Power != nil {
		st.Power = *snap.Power
	}
	if snap.Fan != nil {
		st.Fan = *snap.Fan
	}
	if snap.Phase != nil {
		st.Phase = *snap.Phase
	}
	if snap.WorkDuration != nil {
		st.WorkDuration = *snap.WorkDuration
	}
	if snap.PauseDuration != nil {
		st.PauseDuration = *snap.PauseDuration
	}

	ageSeconds := int(snap.Age / time.Second)
	if snap.WorkCountdown != nil {
		st.WorkCountdown = serverCountdown(*snap.WorkCountdown, st.Phase == PhaseWorking, ageSeconds, st.WorkDuration)
	}
	if snap.PauseCountdown != nil {
		st.PauseCountdown = serverCountdown(*snap.PauseCountdown, st.Phase == PhasePaused, ageSeconds, st.PauseDuration)
	}

	for day, blocks := range snap.Schedule {
		st.Schedule[day] = enabledBlocks(blocks)
	}

	if snap.Seq != 0 {
		st.Seq = snap.Seq
	}
	st.AwaitingConfirmation = false
	rec.needsSnapshot = false
	rec.expiredAt = time.Time{}
	rec.nextDecrement = now.Add(r.interval)

	if r.touch(st, before, now) {
		r.enqueue(st.Clone())
	}
	r.unlockAndDeliver()
	return true
}

// serverCountdown adjusts a raw server countdown and caps it at duration,
// which is the snapshot's value when it carried one and the record's
// otherwise.
func serverCountdown(raw int, active bool, ageSeconds, duration int) int {
	v := raw
	if active {
		v -= ageSeconds
	}
	if duration > 0 && v > duration {
		v = duration
	}
	return max(v, 0)
}

// ApplySchedule replaces one day of the schedule. Disabled blocks are dropped.
func (r *Reconciler) ApplySchedule(id string, day time.Weekday, blocks []TimeBlock) bool {
	if id == "" || day < time.Sunday || day > time.Saturday {
		return false
	}

	r.mu.Lock()
	rec := r.ensure(id)
	before := rec.state.Clone()
	rec.state.Schedule[day] = enabledBlocks(blocks)
	changed := r.touch(&rec.state, before, r.now())
	if changed {
		r.enqueue(rec.state.Clone())
	}
	r.unlockAndDeliver()
	return changed
}

// ApplyLocal mutates an existing record with fn, for optimistic reflection
// of a command the server accepted. The next snapshot supersedes it.
// It returns ErrDeviceNotFound for unknown devices.
func (r *Reconciler) ApplyLocal(id string, fn func(*State)) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}

	before := rec.state.Clone()
	fn(&rec.state)

	// Identity and sequencing stay owned by the directory and the server.
	rec.state.ID = before.ID
	rec.state.Seq = before.Seq
	rec.state.Removed = false
	rec.state.WorkCountdown = max(rec.state.WorkCountdown, 0)
	rec.state.PauseCountdown = max(rec.state.PauseCountdown, 0)
	if rec.state.Schedule == nil {
		rec.state.Schedule = make(map[time.Weekday][]TimeBlock)
	}

	if r.touch(&rec.state, before, r.now()) {
		r.enqueue(rec.state.Clone())
	}
	r.unlockAndDeliver()
	return nil
}

// SetConnectionStatus updates one device's connection status.
func (r *Reconciler) SetConnectionStatus(id string, status ConnectionStatus) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if changed, out := r.setStatus(rec, status, r.now()); changed {
		r.enqueue(out)
	}
	r.unlockAndDeliver()
}

// SetConnectionStatusAll updates every device under one lock and then
// notifies the changed devices in listing order.
func (r *Reconciler) SetConnectionStatusAll(status ConnectionStatus) {
	r.mu.Lock()
	now := r.now()
	for _, id := range r.order {
		if changed, out := r.setStatus(r.records[id], status, now); changed {
			r.enqueue(out)
		}
	}
	r.unlockAndDeliver()
}

// setStatus applies a status change. A restored connection does not guess
// the phase: ticking pauses until the next snapshot. Caller holds r.mu.
func (r *Reconciler) setStatus(rec *record, status ConnectionStatus, now time.Time) (bool, State) {
	before := rec.state.Clone()
	if status == StatusConnected && rec.state.ConnectionStatus != StatusConnected {
		rec.needsSnapshot = true
	}
	rec.state.ConnectionStatus = status
	changed := r.touch(&rec.state, before, now)
	return changed, rec.state.Clone()
}

// SyncDevices reconciles the record set with a directory listing.
// Listed devices are created or updated. Devices missing from the listing
// are destroyed after a final notification with Removed set, and their
// per-device subscriptions are dropped.
func (r *Reconciler) SyncDevices(infos []Info) {
	r.mu.Lock()
	now := r.now()
	seen := make(map[string]bool, len(infos))

	for _, info := range infos {
		if info.ID == "" || seen[info.ID] {
			continue
		}
		seen[info.ID] = true

		rec := r.ensure(info.ID)
		before := rec.state.Clone()
		rec.state.Name = info.Name
		rec.state.HasFan = info.HasFan
		if !info.HasFan {
			rec.state.Fan = false
		}
		if r.touch(&rec.state, before, now) {
			r.enqueue(rec.state.Clone())
		}
	}

	kept := r.order[:0:0]
	for _, id := range r.order {
		if seen[id] {
			kept = append(kept, id)
			continue
		}
		final := r.records[id].state.Clone()
		final.Removed = true
		final.ConnectionStatus = StatusUnavailable
		final.UpdatedAt = now
		r.pending = append(r.pending, notice{state: final, drop: true})
		delete(r.records, id)
	}
	r.order = kept
	r.unlockAndDeliver()
}

// Tick advances local countdown emulation by one step.
//
// Only devices whose connection status is connected take part, and only
// once their alignment point has passed. A countdown stops at zero and the
// device waits for server confirmation. If none arrives within the confirm
// timeout, the phase flips locally and the next countdown starts from the
// configured duration.
func (r *Reconciler) Tick() {
	r.mu.Lock()
	now := r.now()
	hooks := r.hooks
	var ending, expired, started []string

	for _, id := range r.order {
		rec := r.records[id]
		st := &rec.state
		if st.ConnectionStatus != StatusConnected || rec.needsSnapshot {
			continue
		}
		if st.Phase != PhaseWorking && st.Phase != PhasePaused {
			continue
		}

		before := st.Clone()

		switch {
		case st.AwaitingConfirmation:
			if now.Sub(rec.expiredAt) < r.confirmTimeout {
				continue
			}
			r.flipPhase(rec, now)
			expired = append(expired, id)

		case now.Before(rec.nextDecrement):
			continue

		default:
			rec.nextDecrement = rec.nextDecrement.Add(r.interval)
			if !rec.nextDecrement.After(now) {
				rec.nextDecrement = now.Add(r.interval)
			}

			active := activeCountdown(st)
			if *active > 0 {
				*active--
				if *active == r.queryLead {
					ending = append(ending, id)
				}
				if st.Phase == PhasePaused && *active == st.PauseDuration-r.queryLead && *active > r.queryLead {
					started = append(started, id)
				}
			}
			if *active == 0 {
				st.AwaitingConfirmation = true
				rec.expiredAt = now
				expired = append(expired, id)
			}
		}

		if r.touch(st, before, now) {
			r.enqueue(st.Clone())
		}
	}
	r.unlockAndDeliver()

	if r.closed.Load() {
		return
	}
	for _, id := range started {
		if hooks.OnPauseStarted != nil {
			hooks.OnPauseStarted(id)
		}
	}
	for _, id := range ending {
		if hooks.OnPhaseEnding != nil {
			hooks.OnPhaseEnding(id)
		}
	}
	for _, id := range expired {
		if hooks.OnCountdownExpired != nil {
			hooks.OnCountdownExpired(id)
		}
	}
}

// flipPhase is the bounded fallback when the server never confirmed a
// phase transition. Caller holds r.mu.
func (r *Reconciler) flipPhase(rec *record, now time.Time) {
	st := &rec.state
	switch st.Phase {
	case PhaseWorking:
		st.Phase = PhasePaused
	case PhasePaused:
		st.Phase = PhaseWorking
	}
	st.WorkCountdown = st.WorkDuration
	st.PauseCountdown = st.PauseDuration
	st.AwaitingConfirmation = false
	rec.expiredAt = time.Time{}
	rec.nextDecrement = now.Add(r.interval)
	r.localFlips.Add(1)

	r.logger.Warn("no snapshot after countdown expired, flipping phase locally",
		"device_id", st.ID,
		"phase", st.Phase,
	)
}

// Run ticks until ctx is cancelled or the Reconciler is closed.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.closed.Load() {
				return
			}
			r.Tick()
		}
	}
}

// Get returns a copy of one device's state.
func (r *Reconciler) Get(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return State{}, false
	}
	return rec.state.Clone(), true
}

// States returns copies of every device's state in creation order.
func (r *Reconciler) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]State, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].state.Clone())
	}
	return out
}

// DeviceIDs returns the known device IDs in creation order.
func (r *Reconciler) DeviceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Stats holds reconciler counters.
type Stats struct {
	Devices        int
	StaleDiscarded uint64
	LocalFlips     uint64
}

// Stats returns reconciler counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	n := len(r.records)
	r.mu.Unlock()

	return Stats{
		Devices:        n,
		StaleDiscarded: r.staleDiscarded.Load(),
		LocalFlips:     r.localFlips.Load(),
	}
}

// Close stops notifications. It waits for an in-flight notification to
// finish; none start afterwards. Close is idempotent.
func (r *Reconciler) Close() {
	r.notifyMu.Lock()
	r.closed.Store(true)
	r.notifyMu.Unlock()
}

// enqueue queues s for delivery. Caller holds r.mu.
func (r *Reconciler) enqueue(s State) {
	r.pending = append(r.pending, notice{state: s})
}

// unlockAndDeliver releases r.mu and, unless another goroutine is already
// delivering, drains the queue until it is empty. Caller holds r.mu.
func (r *Reconciler) unlockAndDeliver() {
	if r.delivering || len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	r.delivering = true

	for {
		batch := r.pending
		r.pending = nil
		if len(batch) == 0 {
			r.delivering = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.deliver(batch)

		r.mu.Lock()
	}
}

// deliver hands a batch to the registry unless closed.
func (r *Reconciler) deliver(batch []notice) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	closed := r.closed.Load()
	for _, n := range batch {
		if !closed {
			r.registry.notify(n.state)
		}
		if n.drop {
			r.registry.dropDevice(n.state.ID)
			r.logger.Info("device removed from account", "device_id", n.state.ID)
		}
	}
}

// touch stamps UpdatedAt when st differs from before and reports the change.
func (r *Reconciler) touch(st *State, before State, now time.Time) bool {
	if st.Equal(before) {
		return false
	}
	st.UpdatedAt = now
	return true
}

func activeCountdown(st *State) *int {
	if st.Phase == PhasePaused {
		return &st.PauseCountdown
	}
	return &st.WorkCountdown
}

func enabledBlocks(blocks []TimeBlock) []TimeBlock {
	out := make([]TimeBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}
