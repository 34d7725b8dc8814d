package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/muurk/castlink/internal/casterr"
	"github.com/muurk/castlink/internal/dispatch"
	"github.com/muurk/castlink/internal/driver"
	"github.com/muurk/castlink/internal/logging"
	"github.com/muurk/castlink/internal/urls"
	"go.uber.org/zap"
)

// DefaultConfirmTimeout bounds the wait for the start confirmation event
const DefaultConfirmTimeout = 60 * time.Second

// Driver is the part of driver.Manager the controller needs
type Driver interface {
	Connect(module driver.Module, linkURL string, done func(error))
	Disconnect(module driver.Module, done func(error))
	Observe(module driver.Module, fn func(driver.Message)) (cancel func())
}

// Descriptor identifies one application on a device
type Descriptor struct {
	// Target is the application URL, e.g. http://192.168.1.20:8008/apps/Demo
	Target string

	// RunLink is the stop endpoint, absolute or relative to Target. When
	// empty it is learned from the device, falling back to "run".
	RunLink string

	// LinkURL overrides the application module's link endpoint
	LinkURL string

	// Payload is sent as the body of the start request
	Payload string
}

// Config holds controller timing
type Config struct {
	ConfirmTimeout time.Duration
	HTTPTimeout    time.Duration
	UserAgent      string
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout: DefaultConfirmTimeout,
		HTTPTimeout:    DefaultHTTPTimeout,
	}
}

// Phase is one step of a start or stop sequence
type Phase int

const (
	PhaseConnect    Phase = iota + 1 // connect the application module
	PhasePoll                        // read the status document
	PhaseLaunch                      // POST the start request
	PhaseConfirm                     // wait for the confirmation event
	PhaseTerminate                   // DELETE the run link
	PhaseVerify                      // confirm the application stopped
	PhaseDisconnect                  // disconnect the application module
)

var phaseNames = map[Phase]string{
	PhaseConnect:    "connect",
	PhasePoll:       "poll",
	PhaseLaunch:     "launch",
	PhaseConfirm:    "confirm",
	PhaseTerminate:  "terminate",
	PhaseVerify:     "verify",
	PhaseDisconnect: "disconnect",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// PhaseEvent reports progress through a phase. Done is false when the
// phase begins; Skipped phases are reported once with Done set.
type PhaseEvent struct {
	Phase   Phase
	Done    bool
	Skipped bool
	Err     error
}

// Option configures a Controller
type Option func(*Controller)

// WithPhaseHook reports start and stop progress to fn. fn runs on the
// calling goroutine of StartSync/StopSync and must not block.
func WithPhaseHook(fn func(PhaseEvent)) Option {
	return func(c *Controller) {
		c.hook = fn
	}
}

// WithQueue delivers completion callbacks on q
func WithQueue(q *dispatch.Queue) Option {
	return func(c *Controller) {
		c.queue = q
	}
}

// WithClient replaces the HTTP control client
func WithClient(client *Client) Option {
	return func(c *Controller) {
		c.client = client
	}
}

// Controller starts, stops and queries one remote application
type Controller struct {
	drv    Driver
	desc   Descriptor
	cfg    Config
	client *Client
	queue  *dispatch.Queue
	owns   bool
	hook   func(PhaseEvent)
	log    *zap.Logger

	mu      sync.Mutex
	runLink string
}

// NewController creates a controller for the application described by desc
func NewController(drv Driver, desc Descriptor, cfg Config, opts ...Option) *Controller {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}

	c := &Controller{
		drv:     drv,
		desc:    desc,
		cfg:     cfg,
		runLink: desc.RunLink,
		log:     logging.Named("session").With(zap.String("target", desc.Target)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = NewClient(cfg.HTTPTimeout)
		c.client.UserAgent = cfg.UserAgent
	}
	if c.queue == nil {
		c.queue = dispatch.NewQueue()
		c.owns = true
	}
	return c
}

// Close releases the controller's own delivery queue, if it created one
func (c *Controller) Close() {
	if c.owns {
		c.queue.Close()
	}
}

// Target returns the application URL
func (c *Controller) Target() string {
	return c.desc.Target
}

// RunLink returns the configured or learned run link
func (c *Controller) RunLink() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runLink
}

// Start launches the application unless it is already running and waits
// for its confirmation event. done receives the outcome on the queue.
func (c *Controller) Start(ctx context.Context, done func(error)) {
	go func() {
		err := c.StartSync(ctx)
		c.post(func() { done(err) })
	}()
}

// Stop stops the application and disconnects the application module
func (c *Controller) Stop(ctx context.Context, done func(error)) {
	go func() {
		err := c.StopSync(ctx)
		c.post(func() { done(err) })
	}()
}

// Status polls the device for the application state
func (c *Controller) Status(ctx context.Context, done func(State, error)) {
	go func() {
		st, err := c.poll(ctx)
		state := StateStopped
		if st != nil {
			state = st.State
		}
		c.post(func() { done(state, err) })
	}()
}

func (c *Controller) post(fn func()) {
	c.queue.Post(fn)
}

// StartSync is the blocking form of Start. It must not be called from the
// delivery queue's goroutine.
func (c *Controller) StartSync(ctx context.Context) error {
	c.begin(PhaseConnect)
	err := dispatch.Await(ctx, func(done func(error)) {
		c.drv.Connect(driver.ModuleApplication, c.desc.LinkURL, done)
	})
	if c.end(PhaseConnect, err) != nil {
		return err
	}

	// Subscribe before launching so an early confirmation is not missed
	confirmed := make(chan struct{})
	var once sync.Once
	cancel := c.drv.Observe(driver.ModuleApplication, func(msg driver.Message) {
		if IsConfirmation(msg.Payload) {
			once.Do(func() { close(confirmed) })
		}
	})
	defer cancel()

	c.begin(PhasePoll)
	st, err := c.poll(ctx)
	if c.end(PhasePoll, err) != nil {
		return err
	}
	if st.State == StateRunning {
		c.log.Info("Application already running")
		c.skip(PhaseLaunch)
		c.skip(PhaseConfirm)
		return nil
	}

	c.begin(PhaseLaunch)
	if err := c.end(PhaseLaunch, c.launch(ctx)); err != nil {
		return err
	}

	c.begin(PhaseConfirm)
	timer := time.NewTimer(c.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case <-confirmed:
		c.log.Info("Application confirmed")
		err = nil
	case <-timer.C:
		err = casterr.NewConfirmationTimeoutError(c.desc.Target, c.cfg.ConfirmTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	return c.end(PhaseConfirm, err)
}

// launch posts the start request and re-polls once it is accepted
func (c *Controller) launch(ctx context.Context) error {
	var body []byte
	if c.desc.Payload != "" {
		body = []byte(c.desc.Payload)
	}
	resp, err := c.client.Post(ctx, c.desc.Target, "text/plain; charset=utf-8", body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		c.log.Warn("Start rejected", zap.Int("status", resp.StatusCode))
		return casterr.NewApplicationCannotRunError(c.desc.Target, resp.StatusCode)
	}
	if loc := strings.TrimSpace(resp.Header.Get("Location")); loc != "" {
		c.learnRunLink(loc)
	}
	c.log.Info("Start accepted, waiting for confirmation", zap.Duration("timeout", c.cfg.ConfirmTimeout))

	_, err = c.poll(ctx)
	return err
}

// StopSync is the blocking form of Stop. It must not be called from the
// delivery queue's goroutine.
func (c *Controller) StopSync(ctx context.Context) error {
	c.begin(PhasePoll)
	st, err := c.poll(ctx)
	if c.end(PhasePoll, err) != nil {
		return err
	}
	if st.State == StateStopped {
		c.log.Info("Application already stopped")
		c.skip(PhaseTerminate)
		c.skip(PhaseVerify)
		c.skip(PhaseDisconnect)
		return nil
	}

	c.begin(PhaseTerminate)
	endpoint, err := c.terminate(ctx)
	if c.end(PhaseTerminate, err) != nil {
		return err
	}

	c.begin(PhaseVerify)
	st, err = c.poll(ctx)
	if err == nil && st.State != StateStopped {
		err = casterr.NewApplicationNotStoppedError(c.desc.Target)
	}
	if c.end(PhaseVerify, err) != nil {
		return err
	}
	c.log.Info("Application stopped", zap.String("run_link", endpoint))

	c.begin(PhaseDisconnect)
	err = dispatch.Await(ctx, func(done func(error)) {
		c.drv.Disconnect(driver.ModuleApplication, done)
	})
	return c.end(PhaseDisconnect, err)
}

// terminate resolves the run link and deletes it
func (c *Controller) terminate(ctx context.Context) (string, error) {
	runLink := c.RunLink()
	endpoint, err := urls.ResolveRunLink(c.desc.Target, runLink)
	if err != nil {
		return "", casterr.NewBadControlLinkError(c.desc.Target, runLink, err)
	}

	resp, err := c.client.Delete(ctx, endpoint)
	if err != nil {
		return endpoint, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return endpoint, casterr.NewHTTPStatusError(endpoint, resp.StatusCode, resp.Body)
	}
	return endpoint, nil
}

func (c *Controller) begin(p Phase) {
	if c.hook != nil {
		c.hook(PhaseEvent{Phase: p})
	}
}

func (c *Controller) skip(p Phase) {
	if c.hook != nil {
		c.hook(PhaseEvent{Phase: p, Done: true, Skipped: true})
	}
}

// end reports the outcome of p and passes err through
func (c *Controller) end(p Phase, err error) error {
	if c.hook != nil {
		c.hook(PhaseEvent{Phase: p, Done: true, Err: err})
	}
	return err
}

// StatusSync is the blocking form of Status
func (c *Controller) StatusSync(ctx context.Context) (State, error) {
	st, err := c.poll(ctx)
	if err != nil {
		return StateStopped, err
	}
	return st.State, nil
}

// poll fetches and parses the status document
func (c *Controller) poll(ctx context.Context) (*Status, error) {
	resp, err := c.client.Get(ctx, c.desc.Target)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, casterr.NewHTTPStatusError(c.desc.Target, resp.StatusCode, resp.Body)
	}
	if len(resp.Body) == 0 {
		return nil, casterr.NewNoContentError(c.desc.Target, resp.StatusCode)
	}

	st, err := ParseStatus(resp.Body)
	if err != nil {
		return nil, casterr.NewStatusParseError(c.desc.Target, err.Error(), err)
	}
	if st.RunLink != "" {
		c.learnRunLink(st.RunLink)
	}

	c.log.Debug("Status polled", zap.String("name", st.Name), zap.String("state", st.State.String()))
	return st, nil
}

// learnRunLink records a run link advertised by the device unless one was
// configured explicitly
func (c *Controller) learnRunLink(link string) {
	if c.desc.RunLink != "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runLink = link
}

// IsConfirmation reports whether an application message signals that the
// remote application attached to its link
func IsConfirmation(payload json.RawMessage) bool {
	var event struct {
		Type      string `json:"type"`
		Connected string `json:"connected"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return false
	}
	if event.Type != "" && event.Type != "status" {
		return false
	}
	return event.Connected == "connected"
}
