package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu        sync.Mutex
	handle    func(Response)
	searches  int
	closed    int
	listenErr error
}

func (f *fakeTransport) Listen(_ context.Context, handle func(Response)) error {
	if f.listenErr != nil {
		return f.listenErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handle = handle
	return nil
}

func (f *fakeTransport) Search(_ context.Context, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) emit(r Response) {
	f.mu.Lock()
	handle := f.handle
	f.mu.Unlock()
	if handle != nil {
		handle(r)
	}
}

func (f *fakeTransport) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	started chan string
	release chan struct{}
	err     error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, r Response) (*Device, error) {
	f.mu.Lock()
	f.calls[r.ID]++
	started, release, err := f.started, f.release, f.err
	f.mu.Unlock()

	if started != nil {
		started <- r.ID
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Device{ID: r.ID, FriendlyName: "TV " + r.ID, IP: "192.168.1.20", Port: 8008, Location: r.Location}, nil
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type event struct {
	kind string
	ids  []string
	err  error
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func ids(devices []*Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.ID
	}
	return out
}

func (r *recorder) DevicesAdded(devices []*Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "added", ids: ids(devices)})
}

func (r *recorder) DevicesRemoved(devices []*Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "removed", ids: ids(devices)})
}

func (r *recorder) DiscoveryStopped(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "stopped", err: err})
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func response(id string) Response {
	return Response{
		Location:     "http://192.168.1.20:8008/ssdp/device-desc.xml",
		SearchTarget: DIALSearchTarget,
		USN:          "uuid:" + id + "::" + DIALSearchTarget,
		ID:           id,
	}
}

func newTestDiscovery(cfg Config) (*Discovery, *fakeTransport, *fakeFetcher, *recorder) {
	ft := &fakeTransport{}
	ff := newFakeFetcher()
	rec := &recorder{}
	d := New(cfg, rec, WithTransports(ft), WithFetcher(ff))
	return d, ft, ff, rec
}

func slowConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeInterval = time.Hour
	return cfg
}

func TestDiscovery_Transitions(t *testing.T) {
	d, _, _, _ := newTestDiscovery(slowConfig())
	defer d.Close()

	steps := []struct {
		name string
		op   func() bool
		want bool
		then State
	}{
		{"stop from idle", d.Stop, false, StateIdle},
		{"pause from idle", d.Pause, false, StateIdle},
		{"resume from idle", d.Resume, true, StateDiscovering},
		{"resume while discovering", d.Resume, false, StateDiscovering},
		{"pause", d.Pause, true, StatePaused},
		{"pause while paused", d.Pause, false, StatePaused},
		{"resume from paused", d.Resume, true, StateDiscovering},
		{"stop", d.Stop, true, StateStopped},
		{"stop while stopped", d.Stop, false, StateStopped},
		{"pause while stopped", d.Pause, false, StateStopped},
		{"resume from stopped", d.Resume, true, StateDiscovering},
	}

	for _, step := range steps {
		if got := step.op(); got != step.want {
			t.Errorf("%s: returned %v, want %v", step.name, got, step.want)
		}
		if got := d.State(); got != step.then {
			t.Errorf("%s: state = %v, want %v", step.name, got, step.then)
		}
	}
}

func TestDiscovery_ProbesImmediately(t *testing.T) {
	d, ft, _, _ := newTestDiscovery(slowConfig())
	defer d.Close()

	d.Resume()
	waitFor(t, "first probe", func() bool { return ft.searchCount() >= 1 })
}

func TestDiscovery_CoalescesDuplicates(t *testing.T) {
	d, ft, ff, rec := newTestDiscovery(slowConfig())
	defer d.Close()

	d.Resume()
	ft.emit(response("tv-1"))
	waitFor(t, "device added", func() bool { return len(d.Devices()) == 1 })

	ft.emit(response("tv-1"))
	ft.emit(response("tv-1"))
	d.Flush()

	if got := ff.callCount("tv-1"); got != 1 {
		t.Errorf("description fetched %d times, want 1", got)
	}
	if got := rec.count("added"); got != 1 {
		t.Errorf("added events = %d, want 1", got)
	}

	devices := d.Devices()
	if devices[0].FriendlyName != "TV tv-1" {
		t.Errorf("FriendlyName = %q, want %q", devices[0].FriendlyName, "TV tv-1")
	}
	if devices[0].DiscoveredAt.IsZero() || devices[0].LastSeen.IsZero() {
		t.Error("expected DiscoveredAt and LastSeen to be set")
	}
}

func TestDiscovery_ConcurrentSightingsFetchOnce(t *testing.T) {
	d, ft, ff, _ := newTestDiscovery(slowConfig())
	defer d.Close()

	ff.started = make(chan string, 10)
	ff.release = make(chan struct{})

	d.Resume()
	ft.emit(response("tv-1"))
	<-ff.started
	ft.emit(response("tv-1"))
	ft.emit(response("tv-1"))
	close(ff.release)

	waitFor(t, "device added", func() bool { return len(d.Devices()) == 1 })
	if got := ff.callCount("tv-1"); got != 1 {
		t.Errorf("description fetched %d times, want 1", got)
	}
}

func TestDiscovery_StopEmitsRemovalThenStopped(t *testing.T) {
	d, ft, _, rec := newTestDiscovery(slowConfig())
	defer d.Close()

	d.Resume()
	for _, id := range []string{"a", "b", "c"} {
		ft.emit(response(id))
	}
	waitFor(t, "three devices", func() bool { return len(d.Devices()) == 3 })

	if !d.Stop() {
		t.Fatal("Stop() = false, want true")
	}
	d.Flush()

	events := rec.snapshot()
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least 2", len(events))
	}

	removal := events[len(events)-2]
	stopped := events[len(events)-1]
	if removal.kind != "removed" || len(removal.ids) != 3 {
		t.Errorf("penultimate event = %+v, want one removal batch of 3", removal)
	}
	if stopped.kind != "stopped" || stopped.err != nil {
		t.Errorf("last event = %+v, want stopped(nil)", stopped)
	}
	if rec.count("removed") != 1 {
		t.Errorf("removal batches = %d, want 1", rec.count("removed"))
	}
	if len(d.Devices()) != 0 {
		t.Error("registry not cleared after Stop")
	}
}

func TestDiscovery_StopWithEmptyRegistry(t *testing.T) {
	d, _, _, rec := newTestDiscovery(slowConfig())
	defer d.Close()

	d.Resume()
	d.Stop()
	d.Flush()

	events := rec.snapshot()
	if len(events) != 1 || events[0].kind != "stopped" {
		t.Errorf("events = %+v, want only stopped", events)
	}
}

func TestDiscovery_PauseSuppressesEvents(t *testing.T) {
	d, ft, ff, rec := newTestDiscovery(slowConfig())
	defer d.Close()

	d.Resume()
	ft.emit(response("tv-1"))
	waitFor(t, "device added", func() bool { return len(d.Devices()) == 1 })

	d.Pause()
	ft.emit(response("tv-2"))
	d.Flush()

	if got := ff.callCount("tv-2"); got != 0 {
		t.Errorf("fetched tv-2 %d times while paused, want 0", got)
	}
	if got := rec.count("added"); got != 1 {
		t.Errorf("added events = %d, want 1", got)
	}
	if len(d.Devices()) != 1 {
		t.Error("registry should be untouched by Pause")
	}
}

func TestDiscovery_NoStaleAddAfterStop(t *testing.T) {
	d, ft, ff, rec := newTestDiscovery(slowConfig())
	defer d.Close()

	ff.started = make(chan string, 1)
	ff.release = make(chan struct{})

	d.Resume()
	ft.emit(response("late"))
	<-ff.started

	d.Stop()
	ff.mu.Lock()
	ff.started = nil
	ff.mu.Unlock()
	d.Resume()
	close(ff.release)

	// Let the stale resolution finish
	time.Sleep(50 * time.Millisecond)
	d.Flush()

	if got := rec.count("added"); got != 0 {
		t.Errorf("added events = %d, want 0 (stale resolution)", got)
	}
	if len(d.Devices()) != 0 {
		t.Errorf("registry = %v, want empty", ids(d.Devices()))
	}
}

func TestDiscovery_SweepRemovesSilentDevices(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.MissedProbes = 2

	d, ft, _, rec := newTestDiscovery(cfg)
	defer d.Close()

	d.Resume()
	ft.emit(response("gone"))
	waitFor(t, "device added", func() bool { return len(d.Devices()) == 1 })

	waitFor(t, "device removed", func() bool { return rec.count("removed") == 1 })
	if len(d.Devices()) != 0 {
		t.Error("expired device still registered")
	}
	if d.State() != StateDiscovering {
		t.Errorf("state = %v, want discovering", d.State())
	}
}

func TestDiscovery_RefreshedDevicesSurvive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	ft := &fakeTransport{}
	rec := &recorder{}
	d := New(slowConfig(), rec, WithTransports(ft), WithFetcher(newFakeFetcher()), WithClock(clock))
	defer d.Close()

	d.Resume()
	ft.emit(response("stay"))
	ft.emit(response("leave"))
	waitFor(t, "two devices", func() bool { return len(d.Devices()) == 2 })

	mu.Lock()
	now = now.Add(3 * time.Hour)
	mu.Unlock()
	ft.emit(response("stay"))

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	d.mu.Lock()
	gen := d.generation
	d.mu.Unlock()
	d.sweep(gen)
	d.Flush()

	got := ids(d.Devices())
	if len(got) != 1 || got[0] != "stay" {
		t.Errorf("registry after sweep = %v, want [stay]", got)
	}
	events := rec.snapshot()
	last := events[len(events)-1]
	if last.kind != "removed" || len(last.ids) != 1 || last.ids[0] != "leave" {
		t.Errorf("last event = %+v, want removal of leave", last)
	}
}

func TestDiscovery_PrebuiltDeviceSkipsFetch(t *testing.T) {
	d, ft, ff, rec := newTestDiscovery(slowConfig())
	defer d.Close()

	d.Resume()
	r := response("mdns-1")
	r.Device = &Device{ID: "mdns-1", FriendlyName: "Kitchen", IP: "10.0.0.7", Port: 8008}
	ft.emit(r)
	d.Flush()

	if got := ff.callCount("mdns-1"); got != 0 {
		t.Errorf("description fetched %d times, want 0", got)
	}
	if got := rec.count("added"); got != 1 {
		t.Errorf("added events = %d, want 1", got)
	}
}

func TestDiscovery_FetchFailureIsRetriedOnNextSighting(t *testing.T) {
	d, ft, ff, rec := newTestDiscovery(slowConfig())
	defer d.Close()

	ff.err = errors.New("unreachable")
	d.Resume()
	ft.emit(response("flaky"))
	waitFor(t, "first fetch", func() bool { return ff.callCount("flaky") == 1 })

	ff.mu.Lock()
	ff.err = nil
	ff.mu.Unlock()

	waitFor(t, "retry after failure", func() bool {
		ft.emit(response("flaky"))
		return len(d.Devices()) == 1
	})
	d.Flush()
	if got := rec.count("added"); got != 1 {
		t.Errorf("added events = %d, want 1", got)
	}
}

func TestDiscovery_TransportFailureStops(t *testing.T) {
	ft := &fakeTransport{listenErr: errors.New("no multicast")}
	rec := &recorder{}
	d := New(slowConfig(), rec, WithTransports(ft), WithFetcher(newFakeFetcher()))
	defer d.Close()

	d.Resume()
	d.Flush()

	if d.State() != StateStopped {
		t.Errorf("state = %v, want stopped", d.State())
	}
	events := rec.snapshot()
	if len(events) != 1 || events[0].kind != "stopped" || events[0].err == nil {
		t.Errorf("events = %+v, want stopped with error", events)
	}
}

func TestConfig_ExpiryWindow(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{"defaults", DefaultConfig(), 15 * time.Second},
		{"threshold raised to minimum", Config{ProbeInterval: time.Second, MissedProbes: 1}, 2 * time.Second},
		{"custom", Config{ProbeInterval: 2 * time.Second, MissedProbes: 4}, 8 * time.Second},
		{"zero interval uses default", Config{MissedProbes: 3}, 15 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ExpiryWindow(); got != tt.want {
				t.Errorf("ExpiryWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:        "idle",
		StateDiscovering: "discovering",
		StatePaused:      "paused",
		StateStopped:     "stopped",
		State(42):        "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
