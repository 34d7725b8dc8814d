package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/castlink/internal/discovery"
	"github.com/muurk/castlink/internal/emulator"
	"github.com/muurk/castlink/internal/ui"
	"github.com/muurk/castlink/internal/urls"
)

// Emulator command flags
var (
	emuHost         string
	emuAppPort      int
	emuLinkPort     int
	emuSSDPAddr     string
	emuSSDPGroup    bool
	emuName         string
	emuUUID         string
	emuApps         []string
	emuConfirmDelay time.Duration
)

func init() {
	rootCmd.AddCommand(emulateCmd)

	emulateCmd.Flags().StringVar(&emuHost, "host", "127.0.0.1", "Address to bind and advertise")
	emulateCmd.Flags().IntVar(&emuAppPort, "port", discovery.DefaultAppPort, "DIAL HTTP port (0 picks a free port)")
	emulateCmd.Flags().IntVar(&emuLinkPort, "link-port", urls.DefaultLinkPort, "Link WebSocket port (0 picks a free port)")
	emulateCmd.Flags().StringVar(&emuSSDPAddr, "ssdp", "127.0.0.1:1900", "UDP address answering M-SEARCH (empty disables SSDP)")
	emulateCmd.Flags().BoolVar(&emuSSDPGroup, "multicast", false, "Join the SSDP multicast group (use with --ssdp 0.0.0.0:1900)")
	emulateCmd.Flags().StringVar(&emuName, "name", "castlink emulator", "Friendly name")
	emulateCmd.Flags().StringVar(&emuUUID, "uuid", "", "Device identity (random when empty)")
	emulateCmd.Flags().StringSliceVar(&emuApps, "app", []string{"Demo"}, "Installed application (repeatable)")
	emulateCmd.Flags().DurationVar(&emuConfirmDelay, "confirm-delay", emulator.DefaultConfirmDelay, "Delay before a launched application attaches")
}

// emulateCmd runs a simulated device
var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run a simulated cast device",
	Long: `Run an in-process cast device for local development.

The emulator serves the DIAL application endpoints, the /channels and /system
link endpoints and answers SSDP searches. Point other castctl commands at it
with --ssdp-address or by address.`,
	Example: `  # Emulator on loopback, then discover it
  castctl emulate
  castctl scan --ssdp-address 127.0.0.1:1900

  # Visible to the LAN through multicast SSDP
  castctl emulate --host 192.168.1.50 --ssdp 0.0.0.0:1900 --multicast`,
	Args: cobra.NoArgs,
	RunE: runEmulate,
}

func runEmulate(cmd *cobra.Command, args []string) error {
	dev := emulator.New(emulator.Config{
		Host:         emuHost,
		AppPort:      emuAppPort,
		LinkPort:     emuLinkPort,
		SSDPAddress:  emuSSDPAddr,
		SSDPGroup:    emuSSDPGroup,
		FriendlyName: emuName,
		Manufacturer: "castlink",
		ModelName:    "Emulator",
		UUID:         emuUUID,
		Apps:         emuApps,
		ConfirmDelay: emuConfirmDelay,
	})
	if err := dev.Start(); err != nil {
		return fmt.Errorf("failed to start emulator: %w", err)
	}

	details := map[string]string{
		"Device ID":       dev.UUID(),
		"Applications":    strings.Join(emuApps, ", "),
		"Application URL": dev.AppURL(),
		"Link port":       strconv.Itoa(dev.LinkPort()),
	}
	if addr := dev.SSDPAddr(); addr != "" {
		details["SSDP"] = addr
	}
	printer := ui.NewPrinter(nil)
	printer.PrintSuccess("Emulator running", details)
	printer.Println("Press Ctrl+C to stop.")

	ctx, cancel := commandContext(cmd)
	defer cancel()
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return dev.Shutdown(shutdownCtx)
}
