package ui

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muurk/castlink/internal/discovery"
)

// maxWatchLog is how many recent events the watch screen keeps
const maxWatchLog = 8

// Messages delivered from the discovery listener
type (
	DevicesAddedMsg     struct{ Devices []*discovery.Device }
	DevicesRemovedMsg   struct{ Devices []*discovery.Device }
	DiscoveryStoppedMsg struct{ Err error }
)

// DiscoveryControl is the part of discovery.Discovery the watch screen drives
type DiscoveryControl interface {
	Resume() bool
	Pause() bool
	Stop() bool
	State() discovery.State
}

// WatchBridge forwards discovery notifications to a running program. Events
// arriving before Attach are dropped.
type WatchBridge struct {
	mu sync.Mutex
	p  *tea.Program
}

// Attach sets the program events are sent to
func (b *WatchBridge) Attach(p *tea.Program) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.p = p
}

func (b *WatchBridge) send(msg tea.Msg) {
	b.mu.Lock()
	p := b.p
	b.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func (b *WatchBridge) DevicesAdded(devices []*discovery.Device) {
	b.send(DevicesAddedMsg{Devices: devices})
}

func (b *WatchBridge) DevicesRemoved(devices []*discovery.Device) {
	b.send(DevicesRemovedMsg{Devices: devices})
}

func (b *WatchBridge) DiscoveryStopped(err error) {
	b.send(DiscoveryStoppedMsg{Err: err})
}

type watchKeyMap struct {
	Pause key.Binding
	Clear key.Binding
	Quit  key.Binding
}

func (k watchKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Pause, k.Clear, k.Quit}
}

func (k watchKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Pause, k.Clear, k.Quit}}
}

// WatchModel is the live device list shown by "castctl watch"
type WatchModel struct {
	control DiscoveryControl
	devices map[string]*discovery.Device
	log     []string
	err     error
	now     func() time.Time

	spinner spinner.Model
	help    help.Model
	keys    watchKeyMap
	width   int
	height  int
}

// NewWatchModel creates the watch screen for control
func NewWatchModel(control DiscoveryControl) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return WatchModel{
		control: control,
		devices: make(map[string]*discovery.Device),
		now:     time.Now,
		spinner: s,
		help:    help.New(),
		keys: watchKeyMap{
			Pause: key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause/resume")),
			Clear: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear log")),
			Quit:  key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
		},
		width: GetTerminalWidth(),
	}
}

// Init implements tea.Model
func (m WatchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.control.Stop()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			if m.control.State() == discovery.StatePaused {
				if m.control.Resume() {
					m.record("resumed")
				}
			} else if m.control.Pause() {
				m.record("paused")
			}
		case key.Matches(msg, m.keys.Clear):
			m.log = nil
		}

	case tea.WindowSizeMsg:
		m.width = clampWidth(msg.Width)
		m.height = msg.Height

	case DevicesAddedMsg:
		for _, d := range msg.Devices {
			m.devices[d.ID] = d
			m.record("+ " + d.String())
		}

	case DevicesRemovedMsg:
		for _, d := range msg.Devices {
			delete(m.devices, d.ID)
			m.record("- " + d.String())
		}

	case DiscoveryStoppedMsg:
		m.err = msg.Err
		if msg.Err != nil {
			m.record("stopped: " + msg.Err.Error())
		} else {
			m.record("stopped")
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *WatchModel) record(line string) {
	m.log = append(m.log, m.now().Format("15:04:05")+"  "+line)
	if len(m.log) > maxWatchLog {
		m.log = m.log[len(m.log)-maxWatchLog:]
	}
}

// Devices returns the devices currently shown, sorted by id
func (m WatchModel) Devices() []*discovery.Device {
	out := make([]*discovery.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// View implements tea.Model
func (m WatchModel) View() string {
	var status string
	switch state := m.control.State(); state {
	case discovery.StateDiscovering:
		status = m.spinner.View() + " Discovering"
	case discovery.StatePaused:
		status = StepRunningStyle.Render(StepMarkerRunning + " Paused")
	default:
		name := state.String()
		status = StepPendingStyle.Render(StepMarkerPending + " " + strings.ToUpper(name[:1]) + name[1:])
	}

	title := HeaderTitleStyle.Render("CAST DEVICES") + "  " + status +
		DeviceDetailStyle.Render(fmt.Sprintf("  (%d)", len(m.devices)))

	rows := make([]DeviceRow, 0, len(m.devices))
	for _, d := range m.Devices() {
		rows = append(rows, DeviceRowFrom(d))
	}

	sections := []string{
		HeaderBorderStyle(m.width).Render(title),
		"",
		RenderDeviceTable(rows),
		"",
	}
	if len(m.log) > 0 {
		sections = append(sections, TroubleshootingTitleStyle.Render("  Events"))
		for _, line := range m.log {
			sections = append(sections, DeviceDetailStyle.Render("  "+line))
		}
		sections = append(sections, "")
	}
	if m.err != nil {
		sections = append(sections, ErrorMessageStyle.Render("  "+m.err.Error()), "")
	}
	sections = append(sections, "  "+m.help.View(m.keys))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
