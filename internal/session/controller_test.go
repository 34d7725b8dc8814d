package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/muurk/castlink/internal/casterr"
	"github.com/muurk/castlink/internal/dispatch"
	"github.com/muurk/castlink/internal/driver"
)

// fakeDriver stands in for driver.Manager
type fakeDriver struct {
	mu          sync.Mutex
	connectErr  error
	connected   bool
	connects    int
	disconnects int
	observers   map[int]func(driver.Message)
	next        int
}

func (f *fakeDriver) Connect(_ driver.Module, _ string, done func(error)) {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()
	go done(err)
}

func (f *fakeDriver) Disconnect(_ driver.Module, done func(error)) {
	f.mu.Lock()
	f.disconnects++
	var err error
	if !f.connected {
		err = casterr.NewModuleNotConnectedError(driver.ModuleApplication.String())
	}
	f.connected = false
	f.mu.Unlock()
	go done(err)
}

func (f *fakeDriver) Observe(_ driver.Module, fn func(driver.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.observers == nil {
		f.observers = make(map[int]func(driver.Message))
	}
	id := f.next
	f.next++
	f.observers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.observers, id)
	}
}

func (f *fakeDriver) emit(payload string) {
	f.mu.Lock()
	var fns []func(driver.Message)
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(driver.Message{Module: driver.ModuleApplication, Payload: json.RawMessage(payload)})
	}
}

func (f *fakeDriver) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

// fakeApp emulates the application URL of a device
type fakeApp struct {
	mu          sync.Mutex
	state       string
	postStatus  int
	location    string
	stopWorks   bool
	statusBody  string
	posts       int
	deletePaths []string
	onPost      func()
}

func (a *fakeApp) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/apps/Demo", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			if a.statusBody != "" {
				_, _ = w.Write([]byte(a.statusBody))
				return
			}
			w.Header().Set("Content-Type", "text/xml")
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<service xmlns="urn:dial-multiscreen-org:schemas:dial" dialVer="1.7">
  <name>Demo</name>
  <options allowStop="true"/>
  <state>%s</state>
</service>`, a.state)
		case http.MethodPost:
			a.posts++
			status := a.postStatus
			if status == 0 {
				status = http.StatusCreated
			}
			if status == http.StatusCreated {
				a.state = "running"
				if a.location != "" {
					w.Header().Set("Location", a.location)
				}
				if a.onPost != nil {
					go a.onPost()
				}
			}
			w.WriteHeader(status)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	stop := func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.deletePaths = append(a.deletePaths, r.URL.Path)
		if a.stopWorks {
			a.state = "stopped"
		}
		w.WriteHeader(http.StatusOK)
	}
	mux.HandleFunc("/apps/Demo/run", stop)
	mux.HandleFunc("/custom/stop", stop)
	return mux
}

func (a *fakeApp) snapshot() (posts int, deletes []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.posts, append([]string(nil), a.deletePaths...)
}

func newTestController(t *testing.T, app *fakeApp, drv *fakeDriver, desc Descriptor, cfg Config, opts ...Option) *Controller {
	t.Helper()
	server := httptest.NewServer(app.handler())
	t.Cleanup(server.Close)

	if desc.Target == "" {
		desc.Target = server.URL + "/apps/Demo"
	}
	if desc.RunLink == "absolute" {
		desc.RunLink = server.URL + "/custom/stop"
	}
	q := dispatch.NewQueue()
	t.Cleanup(q.Close)
	return NewController(drv, desc, cfg, append([]Option{WithQueue(q)}, opts...)...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ConfirmTimeout = time.Second
	cfg.HTTPTimeout = time.Second
	return cfg
}

func TestController_StartLaunchesAndWaitsForConfirmation(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "stopped"}
	app.onPost = func() {
		time.Sleep(20 * time.Millisecond)
		drv.emit(`{"type":"status","connected":"connected"}`)
	}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	if err := c.StartSync(context.Background()); err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	posts, _ := app.snapshot()
	if posts != 1 {
		t.Errorf("POST count = %d, want 1", posts)
	}
	if connects, _ := drv.counts(); connects != 1 {
		t.Errorf("connect count = %d, want 1", connects)
	}
}

func TestController_StartIgnoresUnrelatedEvents(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "stopped"}
	app.onPost = func() {
		drv.emit(`{"type":"status","connected":"connecting"}`)
		drv.emit(`{"type":"volume","connected":"connected"}`)
		drv.emit(`not json`)
	}
	cfg := fastConfig()
	cfg.ConfirmTimeout = 100 * time.Millisecond
	c := newTestController(t, app, drv, Descriptor{}, cfg)

	err := c.StartSync(context.Background())
	if !errors.Is(err, casterr.ErrConfirmationTimeout) {
		t.Errorf("StartSync() error = %v, want ConfirmationTimeout", err)
	}
}

func TestController_StartAlreadyRunning(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "running"}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	if err := c.StartSync(context.Background()); err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	if posts, _ := app.snapshot(); posts != 0 {
		t.Errorf("POST count = %d, want 0 when already running", posts)
	}
}

func TestController_StartConfirmationTimeout(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "stopped"}
	cfg := fastConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	c := newTestController(t, app, drv, Descriptor{}, cfg)

	start := time.Now()
	err := c.StartSync(context.Background())
	if !errors.Is(err, casterr.ErrConfirmationTimeout) {
		t.Fatalf("StartSync() error = %v, want ConfirmationTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestController_StartRejected(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "stopped", postStatus: http.StatusServiceUnavailable}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	err := c.StartSync(context.Background())
	if !errors.Is(err, casterr.ErrApplicationCannotRun) {
		t.Fatalf("StartSync() error = %v, want ApplicationCannotRun", err)
	}
	var ce *casterr.Error
	if errors.As(err, &ce) && ce.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", ce.StatusCode)
	}
}

func TestController_StartConnectFailure(t *testing.T) {
	drv := &fakeDriver{connectErr: casterr.NewInvalidEndpointError("application", "bogus", nil)}
	app := &fakeApp{state: "stopped"}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	err := c.StartSync(context.Background())
	if !errors.Is(err, casterr.ErrInvalidEndpoint) {
		t.Fatalf("StartSync() error = %v, want InvalidEndpoint", err)
	}
	if posts, _ := app.snapshot(); posts != 0 {
		t.Error("no launch should happen when the link cannot connect")
	}
}

func TestController_StartLearnsRunLink(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "stopped", location: "http://127.0.0.1:1/apps/Demo/web-1"}
	app.onPost = func() { drv.emit(`{"connected":"connected"}`) }
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	if err := c.StartSync(context.Background()); err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	if got := c.RunLink(); got != "http://127.0.0.1:1/apps/Demo/web-1" {
		t.Errorf("RunLink() = %q, want the Location header", got)
	}
}

func TestController_StopRelativeRunLink(t *testing.T) {
	drv := &fakeDriver{connected: true}
	app := &fakeApp{state: "running", stopWorks: true}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	if err := c.StopSync(context.Background()); err != nil {
		t.Fatalf("StopSync() error = %v", err)
	}
	_, deletes := app.snapshot()
	if len(deletes) != 1 || deletes[0] != "/apps/Demo/run" {
		t.Errorf("DELETE paths = %v, want [/apps/Demo/run]", deletes)
	}
	if _, disconnects := drv.counts(); disconnects != 1 {
		t.Errorf("disconnect count = %d, want 1", disconnects)
	}
}

func TestController_StopAbsoluteRunLink(t *testing.T) {
	drv := &fakeDriver{connected: true}
	app := &fakeApp{state: "running", stopWorks: true}
	c := newTestController(t, app, drv, Descriptor{RunLink: "absolute"}, fastConfig())

	if err := c.StopSync(context.Background()); err != nil {
		t.Fatalf("StopSync() error = %v", err)
	}
	_, deletes := app.snapshot()
	if len(deletes) != 1 || deletes[0] != "/custom/stop" {
		t.Errorf("DELETE paths = %v, want [/custom/stop]", deletes)
	}
}

func TestController_StopAlreadyStopped(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "stopped"}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	if err := c.StopSync(context.Background()); err != nil {
		t.Fatalf("StopSync() error = %v", err)
	}
	if _, deletes := app.snapshot(); len(deletes) != 0 {
		t.Errorf("DELETE issued for a stopped application: %v", deletes)
	}
}

func TestController_StopStillRunning(t *testing.T) {
	drv := &fakeDriver{connected: true}
	app := &fakeApp{state: "running", stopWorks: false}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	err := c.StopSync(context.Background())
	if !errors.Is(err, casterr.ErrApplicationNotStopped) {
		t.Fatalf("StopSync() error = %v, want ApplicationNotStopped", err)
	}
	if _, disconnects := drv.counts(); disconnects != 0 {
		t.Error("module must stay connected when the application did not stop")
	}
}

func TestController_StopBadControlLink(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "running"}
	c := newTestController(t, app, drv, Descriptor{RunLink: "http:opaque"}, fastConfig())

	err := c.StopSync(context.Background())
	if !errors.Is(err, casterr.ErrBadControlLink) {
		t.Fatalf("StopSync() error = %v, want BadControlLink", err)
	}
}

func TestController_StopReportsDisconnectError(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "running", stopWorks: true}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	err := c.StopSync(context.Background())
	if !errors.Is(err, casterr.ErrModuleNotConnected) {
		t.Fatalf("StopSync() error = %v, want ModuleNotConnected", err)
	}
	// The application itself was stopped before the disconnect failed
	if _, deletes := app.snapshot(); len(deletes) != 1 {
		t.Errorf("DELETE count = %d, want 1", len(deletes))
	}
	if _, disconnects := drv.counts(); disconnects != 1 {
		t.Errorf("disconnect count = %d, want 1", disconnects)
	}
}

func TestController_StatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    error
		wantErr bool
	}{
		{
			name: "missing state",
			body: `<service><name>Demo</name></service>`,
			want: casterr.ErrStatusParse,
		},
		{
			name: "missing name",
			body: `<service><state>running</state></service>`,
			want: casterr.ErrStatusParse,
		},
		{
			name: "unknown state",
			body: `<service><name>Demo</name><state>installable=http://store</state></service>`,
			want: casterr.ErrStatusParse,
		},
		{
			name: "not xml",
			body: `{"state":"running"}`,
			want: casterr.ErrStatusParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &fakeApp{statusBody: tt.body}
			c := newTestController(t, app, &fakeDriver{}, Descriptor{}, fastConfig())

			_, err := c.StatusSync(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("StatusSync() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestController_StatusNoContentAndHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/apps/Empty" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	tests := []struct {
		name   string
		target string
		want   error
	}{
		{"empty body", server.URL + "/apps/Empty", casterr.ErrNoContent},
		{"not found", server.URL + "/apps/Missing", casterr.ErrHTTPStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(&fakeDriver{}, Descriptor{Target: tt.target}, fastConfig())
			defer c.Close()

			_, err := c.StatusSync(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("StatusSync() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestController_StatusUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	target := server.URL + "/apps/Demo"
	server.Close()

	c := NewController(&fakeDriver{}, Descriptor{Target: target}, fastConfig())
	defer c.Close()

	_, err := c.StatusSync(context.Background())
	if !casterr.IsNetworkError(err) {
		t.Errorf("StatusSync() error = %v, want a network error", err)
	}
}

func TestController_AsyncCallbacks(t *testing.T) {
	drv := &fakeDriver{}
	app := &fakeApp{state: "running"}
	c := newTestController(t, app, drv, Descriptor{}, fastConfig())

	states := make(chan State, 1)
	c.Status(context.Background(), func(s State, err error) {
		if err != nil {
			t.Errorf("Status() error = %v", err)
		}
		states <- s
	})
	select {
	case s := <-states:
		if s != StateRunning {
			t.Errorf("Status() = %v, want running", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Status callback never fired")
	}

	started := make(chan error, 1)
	c.Start(context.Background(), func(err error) { started <- err })
	select {
	case err := <-started:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start callback never fired")
	}
}

// phaseLog records the phase events reported by a controller
type phaseLog struct {
	mu     sync.Mutex
	events []string
}

func (l *phaseLog) hook(ev PhaseEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case ev.Skipped:
		l.events = append(l.events, ev.Phase.String()+":skip")
	case !ev.Done:
		l.events = append(l.events, ev.Phase.String()+":begin")
	case ev.Err != nil:
		l.events = append(l.events, ev.Phase.String()+":fail")
	default:
		l.events = append(l.events, ev.Phase.String()+":ok")
	}
}

func (l *phaseLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprint(l.events)
}

func TestController_PhaseHook(t *testing.T) {
	tests := []struct {
		name  string
		app   *fakeApp
		start bool
		want  string
	}{
		{
			name:  "start already running",
			app:   &fakeApp{state: "running"},
			start: true,
			want:  "[connect:begin connect:ok poll:begin poll:ok launch:skip confirm:skip]",
		},
		{
			name:  "start rejected",
			app:   &fakeApp{state: "stopped", postStatus: http.StatusForbidden},
			start: true,
			want:  "[connect:begin connect:ok poll:begin poll:ok launch:begin launch:fail]",
		},
		{
			name: "stop",
			app:  &fakeApp{state: "running", stopWorks: true},
			want: "[poll:begin poll:ok terminate:begin terminate:ok verify:begin verify:ok disconnect:begin disconnect:ok]",
		},
		{
			name: "stop refused",
			app:  &fakeApp{state: "running"},
			want: "[poll:begin poll:ok terminate:begin terminate:ok verify:begin verify:fail]",
		},
		{
			name: "stop already stopped",
			app:  &fakeApp{state: "stopped"},
			want: "[poll:begin poll:ok terminate:skip verify:skip disconnect:skip]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &phaseLog{}
			drv := &fakeDriver{connected: true}
			c := newTestController(t, tt.app, drv, Descriptor{}, fastConfig(), WithPhaseHook(log.hook))

			if tt.start {
				_ = c.StartSync(context.Background())
			} else {
				_ = c.StopSync(context.Background())
			}
			if got := log.String(); got != tt.want {
				t.Errorf("phases = %s\nwant     %s", got, tt.want)
			}
		})
	}
}
