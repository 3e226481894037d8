package device

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects notifications.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) StateChanged(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.states = nil
	r.mu.Unlock()
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r := NewReconciler(ReconcilerOptions{
		Registry: NewRegistry(),
		Now:      clock.Now,
	})
	return r, clock
}

// connectedWorking sets up a connected device in the working phase.
func connectedWorking(t *testing.T, r *Reconciler, id string, countdown int) {
	t.Helper()
	r.SyncDevices([]Info{{ID: id, Name: "Lobby", HasFan: true}})
	r.SetConnectionStatus(id, StatusConnected)
	ok := r.ApplySnapshot(id, Snapshot{
		Power:          Ptr(true),
		Phase:          Ptr(PhaseWorking),
		WorkDuration:   Ptr(30),
		PauseDuration:  Ptr(120),
		WorkCountdown:  Ptr(countdown),
		PauseCountdown: Ptr(120),
	})
	if !ok {
		t.Fatal("ApplySnapshot() = false")
	}
}

func TestReconciler_TickDecrementsActiveCountdown(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 30)

	for range 10 {
		clock.Advance(time.Second)
		r.Tick()
	}

	st, _ := r.Get("1001")
	if st.WorkCountdown != 20 {
		t.Errorf("WorkCountdown = %d, want 20", st.WorkCountdown)
	}
	if st.PauseCountdown != 120 {
		t.Errorf("PauseCountdown = %d, want 120 (inactive countdown must not move)", st.PauseCountdown)
	}
}

func TestReconciler_TickIsMonotonic(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 5)

	prev := 5
	for range 8 {
		clock.Advance(time.Second)
		r.Tick()
		st, _ := r.Get("1001")
		if st.WorkCountdown > prev {
			t.Fatalf("countdown went up: %d -> %d", prev, st.WorkCountdown)
		}
		if st.WorkCountdown < 0 {
			t.Fatalf("countdown negative: %d", st.WorkCountdown)
		}
		prev = st.WorkCountdown
	}
}

func TestReconciler_TickRespectsAlignment(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 30)

	clock.Advance(500 * time.Millisecond)
	r.Tick()

	st, _ := r.Get("1001")
	if st.WorkCountdown != 30 {
		t.Errorf("WorkCountdown = %d, want 30 before the first interval elapsed", st.WorkCountdown)
	}
}

func TestReconciler_SnapshotOverridesLocalCountdown(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 30)

	for range 3 {
		clock.Advance(time.Second)
		r.Tick()
	}

	r.ApplySnapshot("1001", Snapshot{WorkCountdown: Ptr(20)})
	st, _ := r.Get("1001")
	if st.WorkCountdown != 20 {
		t.Errorf("WorkCountdown = %d, want 20 (server value wins)", st.WorkCountdown)
	}
}

func TestReconciler_SnapshotAgeAdjustsActiveOnly(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.SyncDevices([]Info{{ID: "1001"}})

	r.ApplySnapshot("1001", Snapshot{
		Phase:          Ptr(PhasePaused),
		WorkCountdown:  Ptr(10),
		PauseCountdown: Ptr(100),
		Age:            3 * time.Second,
	})

	st, _ := r.Get("1001")
	if st.PauseCountdown != 97 {
		t.Errorf("PauseCountdown = %d, want 97", st.PauseCountdown)
	}
	if st.WorkCountdown != 10 {
		t.Errorf("WorkCountdown = %d, want 10", st.WorkCountdown)
	}
}

func TestReconciler_SnapshotClampsToDuration(t *testing.T) {
	tests := []struct {
		name  string
		prior *Snapshot
		snap  Snapshot
		want  int
	}{
		{
			name: "capped by duration in same snapshot",
			snap: Snapshot{Phase: Ptr(PhaseWorking), WorkDuration: Ptr(30), WorkCountdown: Ptr(45)},
			want: 30,
		},
		{
			name: "negative after age becomes zero",
			snap: Snapshot{Phase: Ptr(PhaseWorking), WorkCountdown: Ptr(2), Age: 5 * time.Second},
			want: 0,
		},
		{
			name:  "partial snapshot capped by recorded duration",
			prior: &Snapshot{Phase: Ptr(PhaseWorking), WorkDuration: Ptr(30), WorkCountdown: Ptr(20)},
			snap:  Snapshot{Phase: Ptr(PhaseWorking), WorkCountdown: Ptr(45)},
			want:  30,
		},
		{
			name: "new record capped by default duration",
			snap: Snapshot{Phase: Ptr(PhaseWorking), WorkCountdown: Ptr(45)},
			want: DefaultWorkDuration,
		},
		{
			name:  "snapshot duration replaces recorded one",
			prior: &Snapshot{WorkDuration: Ptr(30)},
			snap:  Snapshot{Phase: Ptr(PhaseWorking), WorkDuration: Ptr(50), WorkCountdown: Ptr(45)},
			want:  45,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestReconciler(t)
			if tt.prior != nil {
				r.ApplySnapshot("1001", *tt.prior)
			}
			r.ApplySnapshot("1001", tt.snap)
			st, _ := r.Get("1001")
			if st.WorkCountdown != tt.want {
				t.Errorf("WorkCountdown = %d, want %d", st.WorkCountdown, tt.want)
			}
			if st.WorkCountdown > st.WorkDuration {
				t.Errorf("WorkCountdown %d exceeds WorkDuration %d", st.WorkCountdown, st.WorkDuration)
			}
		})
	}
}

func TestReconciler_StaleSnapshotDiscarded(t *testing.T) {
	r, _ := newTestReconciler(t)
	rec := &recorder{}
	r.Registry().SubscribeAll(rec)

	if !r.ApplySnapshot("1001", Snapshot{Power: Ptr(true), Seq: 5}) {
		t.Fatal("first snapshot rejected")
	}
	rec.reset()

	if r.ApplySnapshot("1001", Snapshot{Power: Ptr(false), Seq: 3}) {
		t.Error("ApplySnapshot() = true for older sequence")
	}

	st, _ := r.Get("1001")
	if !st.Power {
		t.Error("stale snapshot changed Power")
	}
	if st.Seq != 5 {
		t.Errorf("Seq = %d, want 5", st.Seq)
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("got %d notifications for stale snapshot, want 0", n)
	}
	if got := r.Stats().StaleDiscarded; got != 1 {
		t.Errorf("StaleDiscarded = %d, want 1", got)
	}

	// Equal and unversioned sequences apply.
	if !r.ApplySnapshot("1001", Snapshot{Power: Ptr(false), Seq: 5}) {
		t.Error("equal sequence rejected")
	}
	if !r.ApplySnapshot("1001", Snapshot{Power: Ptr(true)}) {
		t.Error("unversioned snapshot rejected")
	}
	if st, _ := r.Get("1001"); st.Seq != 5 {
		t.Errorf("Seq = %d after unversioned snapshot, want 5", st.Seq)
	}
}

func TestReconciler_PartialSnapshotKeepsOtherFields(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.ApplySnapshot("1001", Snapshot{Power: Ptr(true), Fan: Ptr(true), WorkDuration: Ptr(25)})
	r.ApplySnapshot("1001", Snapshot{Fan: Ptr(false)})

	st, _ := r.Get("1001")
	if !st.Power || st.Fan || st.WorkDuration != 25 {
		t.Errorf("state = power %v fan %v work %d, want true false 25", st.Power, st.Fan, st.WorkDuration)
	}
}

func TestReconciler_UnavailableDevicesDoNotTick(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 30)
	r.SetConnectionStatus("1001", StatusUnavailable)

	for range 5 {
		clock.Advance(time.Second)
		r.Tick()
	}

	st, _ := r.Get("1001")
	if st.WorkCountdown != 30 {
		t.Errorf("WorkCountdown = %d, want 30 while unavailable", st.WorkCountdown)
	}
}

func TestReconciler_RestoredDeviceWaitsForSnapshot(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 30)
	r.SetConnectionStatus("1001", StatusUnavailable)
	r.SetConnectionStatus("1001", StatusConnected)

	clock.Advance(time.Second)
	r.Tick()
	if st, _ := r.Get("1001"); st.WorkCountdown != 30 {
		t.Errorf("WorkCountdown = %d, want 30 before snapshot", st.WorkCountdown)
	}

	r.ApplySnapshot("1001", Snapshot{WorkCountdown: Ptr(12)})
	clock.Advance(time.Second)
	r.Tick()
	if st, _ := r.Get("1001"); st.WorkCountdown != 11 {
		t.Errorf("WorkCountdown = %d, want 11 after snapshot", st.WorkCountdown)
	}
}

func TestReconciler_SetConnectionStatusAllNotifiesEveryDevice(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.SyncDevices([]Info{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	r.SetConnectionStatusAll(StatusConnected)

	rec := &recorder{}
	r.Registry().SubscribeAll(rec)
	r.SetConnectionStatusAll(StatusUnavailable)

	got := rec.all()
	if len(got) != 3 {
		t.Fatalf("got %d notifications, want 3", len(got))
	}
	for i, id := range []string{"a", "b", "c"} {
		if got[i].ID != id {
			t.Errorf("notification %d for %q, want %q", i, got[i].ID, id)
		}
		if got[i].ConnectionStatus != StatusUnavailable {
			t.Errorf("%s status = %q, want unavailable", id, got[i].ConnectionStatus)
		}
	}

	// Same status again changes nothing.
	rec.reset()
	r.SetConnectionStatusAll(StatusUnavailable)
	if n := len(rec.all()); n != 0 {
		t.Errorf("got %d notifications for unchanged status, want 0", n)
	}
}

func TestReconciler_WaitThenFlip(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 2)

	var ending, expired []string
	r.SetHooks(Hooks{
		OnPhaseEnding:      func(id string) { ending = append(ending, id) },
		OnCountdownExpired: func(id string) { expired = append(expired, id) },
	})

	clock.Advance(time.Second)
	r.Tick() // 2 -> 1
	if len(ending) != 1 {
		t.Errorf("OnPhaseEnding calls = %d, want 1", len(ending))
	}

	clock.Advance(time.Second)
	r.Tick() // 1 -> 0
	st, _ := r.Get("1001")
	if st.WorkCountdown != 0 || !st.AwaitingConfirmation {
		t.Fatalf("countdown %d awaiting %v, want 0 true", st.WorkCountdown, st.AwaitingConfirmation)
	}
	if len(expired) != 1 {
		t.Errorf("OnCountdownExpired calls = %d, want 1", len(expired))
	}

	// Waiting: nothing moves before the confirm timeout.
	clock.Advance(5 * time.Second)
	r.Tick()
	if st, _ := r.Get("1001"); st.Phase != PhaseWorking || st.WorkCountdown != 0 {
		t.Errorf("phase %q countdown %d during wait, want working 0", st.Phase, st.WorkCountdown)
	}

	clock.Advance(DefaultConfirmTimeout)
	r.Tick()
	st, _ = r.Get("1001")
	if st.Phase != PhasePaused {
		t.Errorf("Phase = %q, want paused after local flip", st.Phase)
	}
	if st.PauseCountdown != 120 {
		t.Errorf("PauseCountdown = %d, want 120", st.PauseCountdown)
	}
	if st.AwaitingConfirmation {
		t.Error("AwaitingConfirmation still set after flip")
	}
	if got := r.Stats().LocalFlips; got != 1 {
		t.Errorf("LocalFlips = %d, want 1", got)
	}
}

func TestReconciler_SnapshotDuringWaitCancelsFlip(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 1)

	clock.Advance(time.Second)
	r.Tick()

	r.ApplySnapshot("1001", Snapshot{Phase: Ptr(PhasePaused), PauseCountdown: Ptr(110)})

	clock.Advance(DefaultConfirmTimeout + time.Second)
	r.Tick()

	st, _ := r.Get("1001")
	if st.Phase != PhasePaused {
		t.Errorf("Phase = %q, want paused", st.Phase)
	}
	if st.AwaitingConfirmation {
		t.Error("AwaitingConfirmation set after server snapshot")
	}
	if got := r.Stats().LocalFlips; got != 0 {
		t.Errorf("LocalFlips = %d, want 0", got)
	}
}

func TestReconciler_SyncDevicesRemovesMissing(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.SyncDevices([]Info{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}})

	rec := &recorder{}
	r.Registry().Subscribe("b", rec)

	r.SyncDevices([]Info{{ID: "a", Name: "A renamed"}})

	if _, ok := r.Get("b"); ok {
		t.Error("device b still present")
	}
	if st, _ := r.Get("a"); st.Name != "A renamed" {
		t.Errorf("Name = %q, want %q", st.Name, "A renamed")
	}

	got := rec.all()
	if len(got) != 1 || !got[0].Removed {
		t.Fatalf("notifications = %+v, want one removal", got)
	}
	if r.Registry().Count() != 0 {
		t.Errorf("Registry.Count() = %d, want 0 after removal", r.Registry().Count())
	}
}

func TestReconciler_SyncDevicesClearsFanWithoutHardware(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.ApplySnapshot("a", Snapshot{Fan: Ptr(true)})
	r.SyncDevices([]Info{{ID: "a", HasFan: false}})

	if st, _ := r.Get("a"); st.Fan {
		t.Error("Fan = true on device without fan")
	}
}

func TestReconciler_ApplySchedule(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.SyncDevices([]Info{{ID: "a"}})

	blocks := []TimeBlock{
		{Start: "08:00", End: "12:00", Work: 10, Pause: 120, Level: 1, Enabled: true},
		{Start: "00:00", End: "00:00", Work: 10, Pause: 120, Level: 1, Enabled: false},
	}
	if !r.ApplySchedule("a", time.Monday, blocks) {
		t.Fatal("ApplySchedule() = false")
	}

	st, _ := r.Get("a")
	if got := len(st.Schedule[time.Monday]); got != 1 {
		t.Errorf("Monday blocks = %d, want 1", got)
	}
	if r.ApplySchedule("a", time.Weekday(9), blocks) {
		t.Error("ApplySchedule() accepted an invalid weekday")
	}
}

func TestReconciler_ApplyLocal(t *testing.T) {
	r, _ := newTestReconciler(t)

	if err := r.ApplyLocal("missing", func(*State) {}); err != ErrDeviceNotFound {
		t.Errorf("ApplyLocal() error = %v, want ErrDeviceNotFound", err)
	}

	r.ApplySnapshot("a", Snapshot{Seq: 7})
	err := r.ApplyLocal("a", func(s *State) {
		s.Power = true
		s.Seq = 99
		s.ID = "other"
	})
	if err != nil {
		t.Fatalf("ApplyLocal() error = %v", err)
	}

	st, _ := r.Get("a")
	if !st.Power {
		t.Error("Power not applied")
	}
	if st.Seq != 7 || st.ID != "a" {
		t.Errorf("ID %q Seq %d, want a 7", st.ID, st.Seq)
	}
}

func TestReconciler_NotificationsAreCopies(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.Registry().SubscribeFunc("a", func(s State) {
		s.Schedule[time.Monday] = append(s.Schedule[time.Monday], TimeBlock{Start: "evil"})
	})

	r.ApplySchedule("a", time.Monday, []TimeBlock{{Start: "08:00", Enabled: true}})

	st, _ := r.Get("a")
	if len(st.Schedule[time.Monday]) != 1 {
		t.Errorf("subscriber mutation leaked into reconciler state")
	}
}

func TestReconciler_CloseStopsNotifications(t *testing.T) {
	r, _ := newTestReconciler(t)
	rec := &recorder{}
	r.Registry().SubscribeAll(rec)

	r.Close()
	r.Close()
	r.ApplySnapshot("a", Snapshot{Power: Ptr(true)})

	if n := len(rec.all()); n != 0 {
		t.Errorf("got %d notifications after Close, want 0", n)
	}
}

func TestReconciler_RunStopsOnContextCancel(t *testing.T) {
	r := NewReconciler(ReconcilerOptions{TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconciler_ConcurrentAccess(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "a", 60)
	r.Registry().SubscribeFunc("a", func(State) {})

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 50 {
				switch i {
				case 0:
					clock.Advance(time.Second)
					r.Tick()
				case 1:
					r.ApplySnapshot("a", Snapshot{WorkCountdown: Ptr(60 - j%10)})
				case 2:
					_ = r.States()
				default:
					r.SetConnectionStatusAll(StatusConnected)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestReconciler_PauseStartedHook(t *testing.T) {
	r, clock := newTestReconciler(t)
	r.SyncDevices([]Info{{ID: "1001"}})
	r.SetConnectionStatus("1001", StatusConnected)
	r.ApplySnapshot("1001", Snapshot{
		Phase:          Ptr(PhasePaused),
		PauseDuration:  Ptr(120),
		PauseCountdown: Ptr(120),
	})

	var started []string
	r.SetHooks(Hooks{OnPauseStarted: func(id string) { started = append(started, id) }})

	for range 3 {
		clock.Advance(time.Second)
		r.Tick()
	}

	if len(started) != 1 || started[0] != "1001" {
		t.Errorf("OnPauseStarted calls = %v, want one for 1001", started)
	}
}

func TestReconciler_WorkPhaseDoesNotFirePauseStarted(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 30)

	calls := 0
	r.SetHooks(Hooks{OnPauseStarted: func(string) { calls++ }})

	for range 3 {
		clock.Advance(time.Second)
		r.Tick()
	}
	if calls != 0 {
		t.Errorf("OnPauseStarted calls = %d in work phase, want 0", calls)
	}
}

// A change made while another goroutine is still delivering must reach
// subscribers after the earlier one, so the last state seen is current.
func TestReconciler_DeliversInMutationOrder(t *testing.T) {
	r, clock := newTestReconciler(t)
	connectedWorking(t, r, "1001", 30)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{}
	r.Registry().SubscribeFunc("1001", func(s State) {
		if s.WorkCountdown == 29 {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	r.Registry().Subscribe("1001", rec)

	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		clock.Advance(time.Second)
		r.Tick()
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("tick notification never arrived")
	}

	if !r.ApplySnapshot("1001", Snapshot{WorkCountdown: Ptr(25), Seq: 100}) {
		t.Fatal("ApplySnapshot() = false")
	}
	close(release)
	<-ticked

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("got %d notifications, want 2", len(got))
	}
	if got[0].WorkCountdown != 29 || got[1].WorkCountdown != 25 || got[1].Seq != 100 {
		t.Errorf("delivered countdowns %d then %d (seq %d), want 29 then 25 (seq 100)",
			got[0].WorkCountdown, got[1].WorkCountdown, got[1].Seq)
	}

	st, _ := r.Get("1001")
	if last := got[len(got)-1]; !last.Equal(st) {
		t.Errorf("last notification %+v differs from record %+v", last, st)
	}
}

func TestReconciler_SubscriberMayMutate(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.SyncDevices([]Info{{ID: "a"}})

	rec := &recorder{}
	r.Registry().SubscribeFunc("a", func(s State) {
		if s.Power && !s.Fan {
			_ = r.ApplyLocal("a", func(st *State) { st.Fan = true })
		}
	})
	r.Registry().Subscribe("a", rec)

	r.ApplySnapshot("a", Snapshot{Power: Ptr(true)})

	got := rec.all()
	if len(got) != 2 || got[0].Fan || !got[1].Fan {
		t.Fatalf("notifications = %+v, want power then fan", got)
	}
}
