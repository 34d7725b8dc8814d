package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/muurk/castlink/internal/config"
	"github.com/muurk/castlink/internal/discovery"
	"github.com/muurk/castlink/internal/ui"
)

// Discovery command flags
var (
	scanDuration time.Duration
	scanMDNS     bool
	scanNoSave   bool
	scanSSDPAddr string
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(renameCmd)

	scanCmd.Flags().DurationVar(&scanDuration, "duration", 6*time.Second, "How long to listen for devices")
	scanCmd.Flags().BoolVar(&scanMDNS, "mdns", false, "Also browse mDNS (DNS-SD) in addition to SSDP")
	scanCmd.Flags().BoolVar(&scanNoSave, "no-save", false, "Do not record found devices in the config file")
	watchCmd.Flags().BoolVar(&scanMDNS, "mdns", false, "Also browse mDNS (DNS-SD) in addition to SSDP")
	for _, cmd := range []*cobra.Command{scanCmd, watchCmd} {
		cmd.Flags().StringVar(&scanSSDPAddr, "ssdp-address", "", "Send M-SEARCH to this host:port instead of the multicast group")
	}
}

// newDiscovery builds a discovery engine from the registry
func newDiscovery(reg *config.Registry, listener discovery.Listener) *discovery.Discovery {
	if scanMDNS {
		reg.Discovery.MDNSEnabled = true
	}
	if scanSSDPAddr != "" {
		reg.Discovery.SSDPAddress = scanSSDPAddr
	}
	return discovery.New(reg.DiscoveryConfig(), listener,
		discovery.WithTransports(reg.DiscoveryTransports()...))
}

// scanCmd discovers devices for a fixed duration
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for cast devices on the network",
	Long: `Scan for cast devices using SSDP (and optionally mDNS).

Found devices are printed and recorded in the config file so later commands
can address them by name.`,
	Example: `  # Scan with defaults
  castctl scan

  # Longer scan including mDNS
  castctl scan --duration 15s --mdns

  # Search a local emulator only
  castctl scan --ssdp-address 127.0.0.1:1900`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	reg, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	stopped := make(chan error, 1)
	d := newDiscovery(reg, discovery.ListenerFuncs{
		Stopped: func(err error) { stopped <- err },
	})
	defer d.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	fmt.Printf("Scanning for cast devices (%s)...\n\n", scanDuration)
	d.Resume()

	select {
	case <-time.After(scanDuration):
	case <-ctx.Done():
	case err := <-stopped:
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
	}

	devices := d.Devices()
	printer := ui.NewPrinter(nil)
	rows := make([]ui.DeviceRow, 0, len(devices))
	for _, dev := range devices {
		rows = append(rows, ui.DeviceRowFrom(dev))
		reg.RecordDevice(dev)
	}

	if len(devices) == 0 {
		printer.PrintWarning("No devices found", map[string]string{
			"Hint": "Try a longer --duration or --mdns",
		})
		return nil
	}

	printer.PrintDevices(rows)
	printer.Newline()

	if !scanNoSave {
		if err := reg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	}
	fmt.Printf("Found %d device(s). Use 'castctl status <app>' to query applications.\n", len(devices))
	return nil
}

// watchCmd runs discovery interactively
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch devices appear and disappear",
	Long: `Run discovery continuously and show the live device list.

Press p to pause or resume probing, q to quit.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !ui.IsTerminal() {
		return errors.New("watch needs an interactive terminal; use 'castctl scan' instead")
	}

	reg, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	bridge := &ui.WatchBridge{}
	d := newDiscovery(reg, bridge)
	defer d.Close()

	p := tea.NewProgram(ui.NewWatchModel(d), tea.WithContext(cmd.Context()))
	bridge.Attach(p)
	d.Resume()

	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("watch failed: %w", err)
	}

	if m, ok := final.(ui.WatchModel); ok {
		for _, dev := range m.Devices() {
			reg.RecordDevice(dev)
		}
		if len(m.Devices()) > 0 {
			return reg.Save()
		}
	}
	return nil
}

// devicesCmd lists remembered devices
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices remembered from previous scans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := config.LoadRegistry()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var rows []ui.DeviceRow
		for _, id := range reg.DeviceIDs() {
			d := reg.GetDevice(id)
			rows = append(rows, ui.DeviceRow{
				ID:      id,
				Name:    d.DisplayName(),
				Address: d.LastIP,
				Seen:    lastSeen(d.LastSeen),
			})
		}
		ui.NewPrinter(nil).PrintDevices(rows)
		return nil
	},
}

func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Minute).String() + " ago"
}

// renameCmd sets a device nickname
var renameCmd = &cobra.Command{
	Use:     "rename <device> <nickname>",
	Short:   "Give a remembered device a nickname",
	Example: `  castctl rename "Living Room TV" lounge`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := config.LoadRegistry()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		id, _, ok := reg.FindDevice(args[0])
		if !ok {
			return fmt.Errorf("unknown device %q; run 'castctl scan' first", args[0])
		}
		reg.SetDeviceNickname(id, args[1])
		if err := reg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("%s is now %q\n", id, args[1])
		return nil
	},
}

// commandContext returns the command context cancelled on interrupt
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}
