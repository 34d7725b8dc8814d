package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muurk/castlink/internal/discovery"
)

// Printer writes styled components to a writer
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
	return &Printer{out: w, width: GetTerminalWidth()}
}

// Width returns the terminal width used by this printer
func (p *Printer) Width() int {
	return p.width
}

// Println writes content with a newline
func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

// Newline prints an empty line
func (p *Printer) Newline() {
	_, _ = fmt.Fprintln(p.out)
}

// PrintHeader prints a command header box
func (p *Printer) PrintHeader(title, command string, params map[string]string) {
	p.Println(NewHeader(title, command, params).SetWidth(p.width).Render())
	p.Newline()
}

// PrintSuccess prints a success result box
func (p *Printer) PrintSuccess(title string, details map[string]string) {
	p.Println(NewSuccessResult(title, details).SetWidth(p.width).Render())
}

// PrintWarning prints a warning result box
func (p *Printer) PrintWarning(title string, details map[string]string) {
	p.Println(NewWarningResult(title, details).SetWidth(p.width).Render())
}

// PrintError prints a failure box with troubleshooting tips
func (p *Printer) PrintError(title string, err error, troubleshooting []string) {
	p.Println(NewFailureResult(title, err, troubleshooting).SetWidth(p.width).Render())
}

// PrintDevices prints a device table
func (p *Printer) PrintDevices(rows []DeviceRow) {
	p.Println(RenderDeviceTable(rows))
}

// DeviceRow is one line of the device table
type DeviceRow struct {
	ID      string
	Name    string
	Model   string
	Address string
	State   string // Application state, empty when not queried
	Seen    string // Last sighting, empty for live results
}

// DeviceRowFrom builds a row from a discovered device
func DeviceRowFrom(d *discovery.Device) DeviceRow {
	name := d.FriendlyName
	if name == "" {
		name = d.ID
	}
	return DeviceRow{
		ID:      d.ID,
		Name:    name,
		Model:   strings.TrimSpace(d.Manufacturer + " " + d.ModelName),
		Address: d.Address(),
	}
}

// RenderDeviceTable renders rows as aligned columns
func RenderDeviceTable(rows []DeviceRow) string {
	if len(rows) == 0 {
		return DeviceDetailStyle.Render("  No devices found")
	}

	withState, withSeen := false, false
	for _, r := range rows {
		withState = withState || r.State != ""
		withSeen = withSeen || r.Seen != ""
	}

	cols := []string{"NAME", "ADDRESS", "MODEL", "ID"}
	if withState {
		cols = append(cols, "STATE")
	}
	if withSeen {
		cols = append(cols, "SEEN")
	}
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	cells := make([][]string, len(rows))
	for i, r := range rows {
		cells[i] = []string{r.Name, r.Address, r.Model, r.ID}
		if withState {
			cells[i] = append(cells[i], r.State)
		}
		if withSeen {
			cells[i] = append(cells[i], r.Seen)
		}
		for j, c := range cells[i] {
			if w := lipgloss.Width(c); w > widths[j] {
				widths[j] = w
			}
		}
	}

	var b strings.Builder
	b.WriteString(renderRow(cols, widths, func(int, string) lipgloss.Style { return TableHeaderStyle }))
	stateCol := -1
	if withState {
		stateCol = 4
	}
	for _, row := range cells {
		b.WriteString("\n")
		b.WriteString(renderRow(row, widths, func(col int, value string) lipgloss.Style {
			return cellStyle(col, stateCol, value)
		}))
	}
	return b.String()
}

func renderRow(cells []string, widths []int, style func(col int, value string) lipgloss.Style) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = style(i, c).Width(widths[i]).Render(c)
	}
	return "  " + strings.Join(parts, "  ")
}

func cellStyle(col, stateCol int, value string) lipgloss.Style {
	switch col {
	case 0:
		return DeviceNameStyle
	case stateCol:
		if strings.EqualFold(value, "running") {
			return StateRunningStyle
		}
		return StateStoppedStyle
	}
	return DeviceDetailStyle
}
