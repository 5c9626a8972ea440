package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sensaura/iothing/internal/app"
	"github.com/sensaura/iothing/internal/collection"
	"github.com/sensaura/iothing/internal/connectivity"
	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/provision"
	"github.com/sensaura/iothing/internal/tui"
	"github.com/sensaura/iothing/internal/ui"
)

// Command flags
var (
	scanTimeout  time.Duration
	outputFormat string
	deviceTimeout time.Duration
	deviceAddress string
	assumeYes    bool
	plainOutput  bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(showCmd)
}

// watchCmd shows the live device list
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show the live device list",
	Long: `Show discovered devices as they appear, change and leave.

On a terminal this opens an interactive dashboard where discovery can be
paused and devices claimed. When output is not a terminal, or with
--plain, one line is printed per change instead.`,
	Example: `  # Open the dashboard
  iothing watch

  # Log changes, e.g. when piping to a file
  iothing watch --plain`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&plainOutput, "plain", false, "Print one line per change instead of the dashboard")
}

func runWatch(cmd *cobra.Command, args []string) error {
	interactive := !plainOutput && term.IsTerminal(int(os.Stdout.Fd()))

	ctx, cancel, a, err := setup(!interactive)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	if !interactive {
		return watchPlain(ctx, a)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	p := tea.NewProgram(tui.New(a), tea.WithAltScreen(), tea.WithContext(runCtx))

	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	go tui.Forward(runCtx, p, a.Devices, a.Network)

	_, err = p.Run()
	stop()
	<-done
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

// watchPlain prints one line per device change or network transition until
// ctx is done.
func watchPlain(ctx context.Context, a *app.Context) error {
	printer := ui.NewPrinter(os.Stdout)

	devSub := a.Devices.SubscribeFunc(func(ch collection.Change[*device.Device]) {
		printer.Println(formatChange(time.Now(), ch))
	})
	defer a.Devices.Unsubscribe(devSub)

	netSub := a.Network.SubscribeFunc(func(t connectivity.Transition) {
		printer.Println(formatTransition(time.Now(), t))
	})
	defer a.Network.Unsubscribe(netSub)

	return a.Run(ctx)
}

func formatChange(at time.Time, ch collection.Change[*device.Device]) string {
	stamp := at.Format(time.TimeOnly)
	if ch.Kind == collection.Cleared {
		return fmt.Sprintf("%s cleared", stamp)
	}
	line := fmt.Sprintf("%s %-8s %s", stamp, ch.Kind, ch.ID)
	if d := ch.Item; d != nil {
		line += fmt.Sprintf(" %q %s", d.Name, d.State)
		if addr := d.Address(); addr != "" {
			line += " " + addr
		}
	}
	return line
}

func formatTransition(at time.Time, t connectivity.Transition) string {
	stamp := at.Format(time.TimeOnly)
	if !t.Current.Connected {
		return fmt.Sprintf("%s network  disconnected", stamp)
	}
	return strings.TrimSpace(fmt.Sprintf("%s network  connected %s", stamp, t.Current.NetworkLabel))
}

// scanCmd runs discovery for a fixed time and prints what was found
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for IoThing devices on the network",
	Long: `Scan for IoThing devices using mDNS/DNS-SD discovery.

Discovery runs for the given time and the devices that were found and
resolved are printed with their address, state and TXT metadata.`,
	Example: `  # Scan for 10 seconds (default)
  iothing scan

  # Longer scan for busy networks
  iothing scan --timeout 30s

  # JSON output for scripting
  iothing scan --format json`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 10*time.Second, "How long to scan")
	scanCmd.Flags().StringVar(&outputFormat, "format", "text", "Output format (text, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if outputFormat != "text" && outputFormat != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", outputFormat)
	}

	ctx, cancel, a, err := setup(true)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	printer := ui.NewPrinter(os.Stdout)
	if outputFormat == "text" {
		printer.PrintHeader("Device scan", "iothing scan",
			ui.Param{Key: "Service", Value: a.Discovery.ServiceType()},
			ui.Param{Key: "Network", Value: networkLabel(a.Network.State())},
			ui.Param{Key: "Timeout", Value: scanTimeout.String()},
		)
		printer.Newline()
	}

	if !a.Network.IsConnected() {
		printer.PrintResult(ui.NewFailureResult("Scan not started", errors.New("no network connection"),
			"Connect to the network the devices are on",
			"Use --log-level debug to see which interfaces were considered",
		))
		return errors.New("not connected")
	}

	scanCtx, stop := context.WithTimeout(ctx, scanTimeout)
	defer stop()
	if err := a.Run(scanCtx); err != nil {
		return err
	}

	devices := a.Devices.Items()
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		printer.PrintResult(ui.NewWarningResult("No devices found",
			"Ensure the device is powered on and joined to this network",
			"Try a longer --timeout; devices are reported after each "+a.Config.Discovery.ScanWindowDuration().String()+" sweep",
			"Check that multicast traffic is not blocked",
		))
		return nil
	}

	printer.Printf("Found %d device(s):\n\n", len(devices))
	printer.PrintDevices(devices, a.Nickname)
	printer.Println("Use 'iothing claim <id>' to claim an unconfigured device")
	return nil
}

// claimCmd assigns a node id to a device
var claimCmd = &cobra.Command{
	Use:   "claim <id>",
	Short: "Claim a device by assigning it a node id",
	Long: `Claim an unconfigured device.

The device is located by instance name or display name through discovery,
or addressed directly with --address. A new node id is posted to the
device; devices that already have one are left unchanged. The node id is
saved to the config file.`,
	Example: `  # Claim a discovered device
  iothing claim "Sensor-1"

  # Claim without discovery
  iothing claim sensor-1 --address 192.168.1.40

  # Skip the confirmation prompt
  iothing claim sensor-1 --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runClaim,
}

func init() {
	claimCmd.Flags().DurationVar(&deviceTimeout, "timeout", 20*time.Second, "How long to search for the device")
	claimCmd.Flags().StringVar(&deviceAddress, "address", "", "Device address (host or host:port); skips discovery")
	claimCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")
}

func runClaim(cmd *cobra.Command, args []string) error {
	ref := args[0]

	ctx, cancel, a, err := setup(true)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	printer := ui.NewPrinter(os.Stdout)
	printer.PrintHeader("Claim device", "iothing claim "+ref)
	printer.Newline()

	if deviceAddress != "" {
		return claimDirect(ctx, a, printer, ref, deviceAddress)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	findCtx, cancelFind := context.WithTimeout(ctx, deviceTimeout)
	d, err := waitForDevice(findCtx, a.Devices, ref)
	cancelFind()
	if err != nil {
		printer.PrintResult(ui.NewFailureResult("Device not found", err,
			"Run 'iothing scan' to list devices",
			"Use --address to claim a device that is not advertising",
		))
		return err
	}

	printer.Println(ui.RenderDevice(1, d, a.Nickname(d.ID)))
	printer.Newline()

	if !assumeYes && !ui.Confirm(os.Stdin, os.Stdout, fmt.Sprintf("Claim %s?", d.Name)) {
		return nil
	}

	claimed, err := a.Claim(ctx, d.ID)
	if err != nil {
		printer.PrintResult(ui.NewFailureResult("Claim failed", err, claimHints(err)...))
		return err
	}
	printClaimed(printer, claimed)
	return nil
}

// claimDirect claims a device at a known address without discovery
func claimDirect(ctx context.Context, a *app.Context, printer *ui.Printer, id, address string) error {
	d := device.NewUnconfigured(id, id)
	if err := setAddress(d, address); err != nil {
		return err
	}

	if !assumeYes && !ui.Confirm(os.Stdin, os.Stdout, fmt.Sprintf("Claim the device at %s?", d.Address())) {
		return nil
	}

	client := provision.NewClient(nil)
	claimed, err := client.Claim(ctx, d)
	if err != nil {
		printer.PrintResult(ui.NewFailureResult("Claim failed", err, claimHints(err)...))
		return err
	}

	a.Config.RecordClaim(claimed.ID, claimed.NodeID, claimed.IP)
	if err := a.Config.Save(configPath); err != nil {
		return fmt.Errorf("claimed %s as node %s but failed to save config: %w", claimed.ID, claimed.NodeID, err)
	}
	printClaimed(printer, claimed)
	return nil
}

// showCmd reads a device's node configuration
var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the node configuration reported by a device",
	Long: `Fetch GET /config from a device and print its node id.

The device is located through discovery, or addressed directly with
--address.`,
	Example: `  iothing show "Sensor-1"
  iothing show sensor-1 --address 192.168.1.40:80`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().DurationVar(&deviceTimeout, "timeout", 20*time.Second, "How long to search for the device")
	showCmd.Flags().StringVar(&deviceAddress, "address", "", "Device address (host or host:port); skips discovery")
}

func runShow(cmd *cobra.Command, args []string) error {
	ref := args[0]

	ctx, cancel, a, err := setup(true)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	var d *device.Device
	if deviceAddress != "" {
		d = device.NewUnconfigured(ref, ref)
		if err := setAddress(d, deviceAddress); err != nil {
			return err
		}
	} else {
		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- a.Run(runCtx) }()

		findCtx, cancelFind := context.WithTimeout(ctx, deviceTimeout)
		d, err = waitForDevice(findCtx, a.Devices, ref)
		cancelFind()
		stop()
		<-done
		if err != nil {
			return err
		}
	}

	cfg, err := provision.NewClient(nil).GetConfig(ctx, d)
	if err != nil {
		return err
	}

	node := cfg.Node
	if node == "" {
		node = "(unclaimed)"
	}
	fmt.Printf("%s at %s: node %s\n", d.Name, d.Address(), node)
	return nil
}

func printClaimed(printer *ui.Printer, d *device.Device) {
	printer.PrintResult(ui.NewSuccessResult("Device claimed",
		ui.Param{Key: "Device", Value: d.Name},
		ui.Param{Key: "Node", Value: d.NodeID},
		ui.Param{Key: "Address", Value: d.Address()},
	))
}

func claimHints(err error) []string {
	switch {
	case errors.Is(err, provision.ErrRejected):
		return []string{"The device refused the node id; it may already be claimed by another controller"}
	case provision.IsRetryable(err):
		return []string{
			"Check the device is powered on and reachable",
			"Retry in a few seconds; the device may be busy",
		}
	}
	return []string{"Run with --log-level debug for the request details"}
}

// waitForDevice returns the device whose id or name is ref, waiting for
// discovery to resolve it until ctx is done.
func waitForDevice(ctx context.Context, devices *collection.Collection[*device.Device], ref string) (*device.Device, error) {
	changed := make(chan struct{}, 1)
	sub := devices.SubscribeFunc(func(collection.Change[*device.Device]) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer devices.Unsubscribe(sub)

	for {
		if d := findDevice(devices, ref); d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no device named %q found: %w", ref, ctx.Err())
		case <-changed:
		}
	}
}

// findDevice matches ref against ids first, then display names.
func findDevice(devices *collection.Collection[*device.Device], ref string) *device.Device {
	if d, ok := devices.Get(ref); ok {
		return d
	}
	for _, d := range devices.Items() {
		if strings.EqualFold(d.Name, ref) {
			return d
		}
	}
	return nil
}

func networkLabel(st connectivity.State) string {
	switch {
	case !st.Connected:
		return "disconnected"
	case st.NetworkLabel == "":
		return "connected"
	}
	return st.NetworkLabel
}
