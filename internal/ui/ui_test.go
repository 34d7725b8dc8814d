package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muurk/castlink/internal/casterr"
	"github.com/muurk/castlink/internal/discovery"
)

func TestProgress_UpdateStep(t *testing.T) {
	p := NewProgress("", []string{"Connect", "Poll", "Launch", "Confirm"})

	p.UpdateStep(1, StepRunning, "")
	if p.Current != 1 {
		t.Errorf("Current = %d, want 1", p.Current)
	}
	p.UpdateStep(1, StepComplete, "")
	p.UpdateStep(2, StepSkipped, "already running")
	if p.Percent != 0.5 {
		t.Errorf("Percent = %v, want 0.5", p.Percent)
	}

	// Out of range is ignored
	p.UpdateStep(9, StepFailed, "")

	out := p.Render()
	if !strings.Contains(out, "[2/4]") || !strings.Contains(out, "already running") {
		t.Errorf("Render() missing step details:\n%s", out)
	}
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name    string
		opErr   error
		want    []string
		wantErr bool
	}{
		{
			name: "success",
			want: []string{"START APPLICATION", "SUCCESS", "Start Application complete", "Target"},
		},
		{
			name:    "failure with tips",
			opErr:   casterr.NewConfirmationTimeoutError("http://10.0.0.2:8008/apps/Demo", time.Second),
			want:    []string{"FAILED", "Troubleshooting", "confirm_timeout"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			r := NewRunner(RunnerConfig{
				Title:     "Start Application",
				Command:   "castctl start tv Demo",
				StepNames: []string{"Connect", "Launch"},
				Output:    &out,
			})

			err := r.Run(func(onStep StepCallback) (map[string]string, error) {
				onStep(1, StepRunning, "")
				onStep(1, StepComplete, "")
				if tt.opErr != nil {
					onStep(2, StepFailed, "")
					return nil, tt.opErr
				}
				onStep(2, StepComplete, "")
				return map[string]string{"Target": "http://10.0.0.2:8008/apps/Demo"}, nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.opErr != nil && !errors.Is(err, tt.opErr) {
				t.Errorf("Run() should return the operation error unchanged, got %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output missing %q:\n%s", w, out.String())
				}
			}
			if r.Progress().Steps[0].Status != StepComplete {
				t.Errorf("step 1 status = %v, want complete", r.Progress().Steps[0].Status)
			}
		})
	}
}

func TestTroubleshootingFor(t *testing.T) {
	if tips := TroubleshootingFor(errors.New("plain")); tips != nil {
		t.Errorf("plain error tips = %v, want nil", tips)
	}
	if tips := TroubleshootingFor(casterr.NewConfigurationNotAllowedError("private-settings")); len(tips) == 0 {
		t.Error("ConfigurationNotAllowed should have tips")
	}
}

func TestRenderDeviceTable(t *testing.T) {
	if out := RenderDeviceTable(nil); !strings.Contains(out, "No devices") {
		t.Errorf("empty table = %q", out)
	}

	out := RenderDeviceTable([]DeviceRow{
		{ID: "a", Name: "Lounge", Address: "10.0.0.2:8008", State: "running"},
		{ID: "b", Name: "Kitchen", Address: "10.0.0.3:8008"},
	})
	for _, want := range []string{"NAME", "STATE", "Lounge", "Kitchen", "running"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

type fakeControl struct {
	state   discovery.State
	stopped bool
}

func (f *fakeControl) Resume() bool {
	f.state = discovery.StateDiscovering
	return true
}

func (f *fakeControl) Pause() bool {
	f.state = discovery.StatePaused
	return true
}

func (f *fakeControl) Stop() bool {
	f.stopped = true
	f.state = discovery.StateStopped
	return true
}

func (f *fakeControl) State() discovery.State { return f.state }

func keyMsg(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestWatchModel(t *testing.T) {
	ctrl := &fakeControl{state: discovery.StateDiscovering}
	var m tea.Model = NewWatchModel(ctrl)

	tv := &discovery.Device{ID: "tv", FriendlyName: "Lounge", IP: "10.0.0.2", Port: 8008}
	stick := &discovery.Device{ID: "stick", FriendlyName: "Bedroom", IP: "10.0.0.3", Port: 8008}

	m, _ = m.Update(DevicesAddedMsg{Devices: []*discovery.Device{tv, stick}})
	m, _ = m.Update(DevicesRemovedMsg{Devices: []*discovery.Device{stick}})

	wm := m.(WatchModel)
	if got := wm.Devices(); len(got) != 1 || got[0].ID != "tv" {
		t.Fatalf("Devices() = %v, want [tv]", got)
	}
	view := wm.View()
	if !strings.Contains(view, "Lounge") || !strings.Contains(view, "- Bedroom") {
		t.Errorf("View() missing device or removal event:\n%s", view)
	}

	m, _ = m.Update(keyMsg("p"))
	if ctrl.state != discovery.StatePaused {
		t.Errorf("state after p = %v, want paused", ctrl.state)
	}
	m, _ = m.Update(keyMsg("p"))
	if ctrl.state != discovery.StateDiscovering {
		t.Errorf("state after second p = %v, want discovering", ctrl.state)
	}

	_, cmd := m.Update(keyMsg("q"))
	if !ctrl.stopped {
		t.Error("quit should stop discovery")
	}
	if cmd == nil {
		t.Fatal("quit should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("quit command should produce tea.QuitMsg")
	}
}

func TestWatchModel_StoppedWithError(t *testing.T) {
	ctrl := &fakeControl{state: discovery.StateStopped}
	var m tea.Model = NewWatchModel(ctrl)

	m, _ = m.Update(DiscoveryStoppedMsg{Err: errors.New("no multicast route")})
	view := m.View()
	if !strings.Contains(view, "no multicast route") || !strings.Contains(view, "Stopped") {
		t.Errorf("View() = \n%s", view)
	}
}
