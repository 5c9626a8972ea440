package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sensaura/iothing/internal/device"
)

// Printer writes UI components to a writer.
type Printer struct {
	out   io.Writer
	width int
}

// NewPrinter creates a new Printer that writes to the given writer.
// If w is nil, os.Stdout is used.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{
		out:   w,
		width: GetTerminalWidth(),
	}
}

// Width returns the current terminal width used by this printer
func (p *Printer) Width() int {
	return p.width
}

// SetWidth overrides the detected terminal width
func (p *Printer) SetWidth(width int) *Printer {
	p.width = width
	return p
}

// Print writes content to the output
func (p *Printer) Print(content string) {
	_, _ = fmt.Fprint(p.out, content)
}

// Println writes content with a newline
func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

// Printf writes formatted content
func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// Newline prints an empty line
func (p *Printer) Newline() {
	_, _ = fmt.Fprintln(p.out)
}

// PrintHeader prints a command header box
func (p *Printer) PrintHeader(title, command string, params ...Param) {
	p.Println(NewHeader(title, command, params...).SetWidth(p.width).Render())
}

// PrintResult prints a result box
func (p *Printer) PrintResult(r *Result) {
	p.Println(r.SetWidth(p.width).Render())
}

// PrintDevices prints one entry per device in the given order, with the
// address, node id and TXT metadata under each name.
func (p *Printer) PrintDevices(devices []*device.Device, nickname func(id string) string) {
	for i, d := range devices {
		p.Println(RenderDevice(i+1, d, lookup(nickname, d.ID)))
		p.Newline()
	}
}

// RenderDevice renders a numbered device entry
func RenderDevice(n int, d *device.Device, nickname string) string {
	name := d.Name
	if nickname != "" && nickname != d.Name {
		name = fmt.Sprintf("%s (%s)", nickname, d.Name)
	}

	stateStyle := UnconfiguredStyle
	if d.IsConfigured() {
		stateStyle = ConfiguredStyle
	}

	lines := []string{
		fmt.Sprintf("%d. %s  %s", n, DeviceNameStyle.Render(name), stateStyle.Render(d.State.String())),
		DeviceDetailStyle.Render("ID:       " + d.ID),
	}
	if addr := d.Address(); addr != "" {
		lines = append(lines, DeviceDetailStyle.Render("Address:  "+addr))
	}
	if d.Host != "" {
		lines = append(lines, DeviceDetailStyle.Render("Host:     "+d.Host))
	}
	if d.NodeID != "" {
		lines = append(lines, DeviceDetailStyle.Render("Node:     "+d.NodeID))
	}
	if len(d.Metadata) > 0 {
		lines = append(lines, DeviceDetailStyle.Render("Metadata: "+formatMetadata(d.Metadata)))
	}
	return strings.Join(lines, "\n")
}

func formatMetadata(md map[string]string) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + md[k]
	}
	return strings.Join(pairs, " ")
}

func lookup(fn func(string) string, id string) string {
	if fn == nil {
		return ""
	}
	return fn(id)
}
