package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/castlink/internal/casterr"
	"github.com/muurk/castlink/internal/config"
	"github.com/muurk/castlink/internal/discovery"
	"github.com/muurk/castlink/internal/dispatch"
	"github.com/muurk/castlink/internal/driver"
	"github.com/muurk/castlink/internal/session"
	"github.com/muurk/castlink/internal/ui"
	"github.com/muurk/castlink/internal/version"
)

// Application command flags
var (
	appPayload  string
	appLinkURL  string
	appRunLink  string
	sendListen  time.Duration
	statusLimit int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(sendCmd)

	statusCmd.Flags().IntVar(&statusLimit, "parallel", 4, "Devices queried concurrently")
	startCmd.Flags().StringVar(&appPayload, "payload", "", "Body of the start request")
	startCmd.Flags().StringVar(&appLinkURL, "link", "", "Application link endpoint (default ws://<host>:8009/channels)")
	startCmd.Flags().StringVar(&appRunLink, "run-link", "", "Stop endpoint, absolute or relative to the application URL")
	stopCmd.Flags().StringVar(&appRunLink, "run-link", "", "Stop endpoint, absolute or relative to the application URL")
	sendCmd.Flags().StringVar(&appLinkURL, "link", "", "Link endpoint override")
	sendCmd.Flags().DurationVar(&sendListen, "listen", 0, "Keep printing events for this long after the reply")
}

// newController wires a driver manager and session controller for app on dev.
// Both share one delivery queue; release tears them down.
func newController(reg *config.Registry, dev *discovery.Device, app string, hook func(session.PhaseEvent)) (ctrl *session.Controller, release func()) {
	q := dispatch.NewQueue()
	opts := reg.DriverOptions()
	opts.Queue = q
	mgr := driver.NewManager(dev.IP, opts)

	linkURL := appLinkURL
	if linkURL == "" {
		linkURL = dev.LinkURL
	}

	cfg := reg.SessionConfig()
	cfg.UserAgent = version.UserAgent()

	sessionOpts := []session.Option{session.WithQueue(q)}
	if hook != nil {
		sessionOpts = append(sessionOpts, session.WithPhaseHook(hook))
	}
	ctrl = session.NewController(mgr, session.Descriptor{
		Target:  dev.AppURL(app),
		RunLink: appRunLink,
		LinkURL: linkURL,
		Payload: appPayload,
	}, cfg, sessionOpts...)

	return ctrl, func() {
		ctrl.Close()
		mgr.Close()
		q.Close()
	}
}

// statusCmd polls an application on one or more devices
var statusCmd = &cobra.Command{
	Use:   "status <app> [device...]",
	Short: "Show whether an application is running",
	Long: `Query the application status on the given devices, or on every
remembered device when none are given.`,
	Example: `  castctl status YouTube
  castctl status YouTube lounge 192.168.1.40`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusLimit < 1 {
		return fmt.Errorf("--parallel must be at least 1, got %d", statusLimit)
	}

	reg, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, queries := args[0], args[1:]
	if len(queries) == 0 {
		queries = reg.DeviceIDs()
	}
	if len(queries) == 0 {
		return fmt.Errorf("no devices remembered; run 'castctl scan' or name a device")
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	rows := make([]ui.DeviceRow, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusLimit)
	for i, q := range queries {
		g.Go(func() error {
			dev, err := resolveDevice(reg, q)
			if err != nil {
				rows[i] = ui.DeviceRow{ID: q, Name: q, State: "error: " + err.Error()}
				return nil
			}
			rows[i] = ui.DeviceRowFrom(dev)

			ctrl, release := newController(reg, dev, app, nil)
			defer release()

			state, err := ctrl.StatusSync(gctx)
			if err != nil {
				rows[i].State = "error: " + err.Error()
				return nil
			}
			rows[i].State = state.String()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ui.NewPrinter(nil).PrintDevices(rows)
	return nil
}

// phaseSteps maps session phases to runner step numbers
type phaseSteps struct {
	order  []session.Phase
	labels []string
}

var (
	startSteps = phaseSteps{
		order:  []session.Phase{session.PhaseConnect, session.PhasePoll, session.PhaseLaunch, session.PhaseConfirm},
		labels: []string{"Connect application link", "Poll status", "Launch application", "Wait for confirmation"},
	}
	stopSteps = phaseSteps{
		order:  []session.Phase{session.PhasePoll, session.PhaseTerminate, session.PhaseVerify, session.PhaseDisconnect},
		labels: []string{"Poll status", "Stop application", "Verify stopped", "Disconnect link"},
	}
)

// hook adapts controller phase events to runner step callbacks. A step is
// reported finished at most once.
func (s phaseSteps) hook(onStep ui.StepCallback) func(session.PhaseEvent) {
	var mu sync.Mutex
	finished := make(map[int]bool)
	return func(ev session.PhaseEvent) {
		mu.Lock()
		defer mu.Unlock()

		n := 0
		for i, p := range s.order {
			if p == ev.Phase {
				n = i + 1
			}
		}
		if n == 0 || finished[n] {
			return
		}

		switch {
		case ev.Skipped:
			finished[n] = true
			onStep(n, ui.StepSkipped, "not needed")
		case !ev.Done:
			onStep(n, ui.StepRunning, "")
		case ev.Phase == session.PhaseDisconnect && errors.Is(ev.Err, casterr.ErrModuleNotConnected):
			finished[n] = true
			onStep(n, ui.StepSkipped, "link was not open")
		case ev.Err != nil:
			finished[n] = true
			onStep(n, ui.StepFailed, "")
		default:
			finished[n] = true
			onStep(n, ui.StepComplete, "")
		}
	}
}

func runAppCommand(cmd *cobra.Command, args []string, title string, steps phaseSteps, op func(*session.Controller, context.Context) error) error {
	reg, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dev, err := resolveDevice(reg, args[0])
	if err != nil {
		return err
	}
	app := args[1]

	ctx, cancel := commandContext(cmd)
	defer cancel()

	runner := ui.NewRunner(ui.RunnerConfig{
		Title:     title,
		Command:   "castctl " + cmd.Name() + " " + strings.Join(args, " "),
		Params:    map[string]string{"Device": dev.String(), "Application": dev.AppURL(app)},
		StepNames: steps.labels,
	})

	return runner.Run(func(onStep ui.StepCallback) (map[string]string, error) {
		ctrl, release := newController(reg, dev, app, steps.hook(onStep))
		defer release()

		if err := op(ctrl, ctx); err != nil {
			return nil, err
		}
		details := map[string]string{"Target": ctrl.Target()}
		if rl := ctrl.RunLink(); rl != "" {
			details["Run link"] = rl
		}
		return details, nil
	})
}

var startCmd = &cobra.Command{
	Use:   "start <device> <app>",
	Short: "Start an application and wait for it to attach",
	Example: `  castctl start lounge YouTube
  castctl start 192.168.1.20 Demo --payload "v=abc123"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAppCommand(cmd, args, "Start Application", startSteps, (*session.Controller).StartSync)
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop <device> <app>",
	Short:   "Stop a running application",
	Example: `  castctl stop lounge YouTube`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAppCommand(cmd, args, "Stop Application", stopSteps, stopApplication)
	},
}

// stopApplication stops the application. This process usually never opened
// the application link, so a disconnect of an unconnected module is ignored.
func stopApplication(c *session.Controller, ctx context.Context) error {
	err := c.StopSync(ctx)
	if errors.Is(err, casterr.ErrModuleNotConnected) {
		return nil
	}
	return err
}

// sendCmd sends one raw message on a module's link
var sendCmd = &cobra.Command{
	Use:   "send <device> <module> <json>",
	Short: "Send a message on a device link",
	Long: `Connect a link module, send a JSON payload and print the reply.

Modules are application, public-settings and private-settings. The private
settings module requires driver.private_settings_enabled in the config.`,
	Example: `  castctl send lounge public-settings '{"service":"public","get":"volume"}'
  castctl send lounge application '{"type":"ping"}' --listen 10s`,
	Args: cobra.ExactArgs(3),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	reg, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dev, err := resolveDevice(reg, args[0])
	if err != nil {
		return err
	}
	module, err := driver.ParseModule(args[1])
	if err != nil {
		return err
	}
	payload := json.RawMessage(args[2])
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	opts := reg.DriverOptions()
	mgr := driver.NewManager(dev.IP, opts)
	defer mgr.Close()

	stopEvents := mgr.Observe(module, func(msg driver.Message) {
		fmt.Printf("event [%s %s] %s\n", msg.Module, msg.Service, msg.Payload)
	})
	defer stopEvents()

	linkURL := appLinkURL
	if linkURL == "" && module == driver.ModuleApplication {
		linkURL = dev.LinkURL
	}
	if err := dispatch.Await(ctx, func(done func(error)) { mgr.Connect(module, linkURL, done) }); err != nil {
		return err
	}
	fmt.Printf("connected %s via %s\n", module, mgr.LinkURL(module))

	type result struct {
		reply json.RawMessage
		err   error
	}
	replies := make(chan result, 1)
	mgr.Send(ctx, module, payload, func(reply json.RawMessage, err error) {
		replies <- result{reply, err}
	})

	select {
	case r := <-replies:
		if r.err != nil {
			return r.err
		}
		fmt.Printf("reply %s\n", r.reply)
	case <-ctx.Done():
		return ctx.Err()
	}

	if sendListen > 0 {
		select {
		case <-time.After(sendListen):
		case <-ctx.Done():
		}
	}

	return dispatch.Await(context.Background(), func(done func(error)) { mgr.Disconnect(module, done) })
}
