package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muurk/castlink/internal/casterr"
)

// ResultType indicates success or failure
type ResultType int

const (
	ResultSuccess ResultType = iota
	ResultFailure
	ResultWarning
)

// Result represents a result box (success, failure, or warning)
type Result struct {
	Type            ResultType
	Title           string            // e.g., "Application started"
	Details         map[string]string // Key-value details to display
	Error           error             // Error (for failure results)
	Troubleshooting []string          // Tips shown under a failure
	Width           int
}

// NewSuccessResult creates a success result box
func NewSuccessResult(title string, details map[string]string) *Result {
	return &Result{Type: ResultSuccess, Title: title, Details: details, Width: GetTerminalWidth()}
}

// NewFailureResult creates a failure result box. When no tips are given they
// are derived from the error kind.
func NewFailureResult(title string, err error, troubleshooting []string) *Result {
	if troubleshooting == nil {
		troubleshooting = TroubleshootingFor(err)
	}
	return &Result{
		Type:            ResultFailure,
		Title:           title,
		Error:           err,
		Troubleshooting: troubleshooting,
		Width:           GetTerminalWidth(),
	}
}

// NewWarningResult creates a warning result box
func NewWarningResult(title string, details map[string]string) *Result {
	return &Result{Type: ResultWarning, Title: title, Details: details, Width: GetTerminalWidth()}
}

// SetWidth sets the terminal width for responsive rendering
func (r *Result) SetWidth(width int) *Result {
	r.Width = width
	return r
}

// AddDetail adds a detail key-value pair
func (r *Result) AddDetail(key, value string) *Result {
	if r.Details == nil {
		r.Details = make(map[string]string)
	}
	r.Details[key] = value
	return r
}

// Render returns the styled result box as a string
func (r *Result) Render() string {
	width := clampWidth(r.Width)

	var (
		color lipgloss.Color
		title string
	)
	switch r.Type {
	case ResultFailure:
		color = ErrorColor
		title = ErrorTitleStyle.Render("   " + FailureMarker + "  FAILED  ─  " + r.Title)
	case ResultWarning:
		color = WarningColor
		title = WarningTitleStyle.Render("   " + WarningMarker + "  WARNING  ─  " + r.Title)
	default:
		color = SuccessColor
		title = SuccessTitleStyle.Render("   " + SuccessMarker + "  SUCCESS  ─  " + r.Title)
	}

	lines := []string{"", title, ""}

	if r.Type == ResultFailure && r.Error != nil {
		lines = append(lines, ErrorMessageStyle.Render("   Error: "+r.Error.Error()), "")
	}

	if len(r.Details) > 0 {
		lines = append(lines, renderPairs(r.Details, ResultKeyStyle, ResultValueStyle, "   "), "")
	}

	if r.Type == ResultFailure && len(r.Troubleshooting) > 0 {
		lines = append(lines, r.renderTroubleshootingBox(width), "")
	}

	return resultBoxStyle(width, color).Render(strings.Join(lines, "\n"))
}

func (r *Result) renderTroubleshootingBox(width int) string {
	lines := []string{TroubleshootingTitleStyle.Render("Troubleshooting:"), ""}
	for _, tip := range r.Troubleshooting {
		lines = append(lines, TroubleshootingItemStyle.Render("  • "+tip))
	}
	return TroubleshootingBoxStyle(width).Render(strings.Join(lines, "\n"))
}

// String implements fmt.Stringer
func (r *Result) String() string {
	return r.Render()
}

// TroubleshootingFor suggests next steps for a castlink error
func TroubleshootingFor(err error) []string {
	kind, ok := casterr.KindOf(err)
	if !ok {
		return nil
	}

	switch kind {
	case casterr.KindTimeout, casterr.KindConnectionRefused, casterr.KindNetwork, casterr.KindDNS:
		return []string{
			"Check the device is powered on and on the same network",
			"Run 'castctl scan' to refresh its address",
		}
	case casterr.KindConfigurationNotAllowed:
		return []string{"Set driver.private_settings_enabled in the config file"}
	case casterr.KindInvalidEndpoint, casterr.KindLinkConnectionLost:
		return []string{
			"Check the link port (driver.link_port) matches the device",
			"Use --link to override the link endpoint",
		}
	case casterr.KindConfirmationTimeout:
		return []string{
			"The application accepted the start request but never attached",
			"Increase session.confirm_timeout for slow devices",
		}
	case casterr.KindBadControlLink, casterr.KindApplicationNotStopped:
		return []string{
			"The device may not allow stopping this application",
			"Pass --run-link with the stop endpoint",
		}
	case casterr.KindApplicationCannotRun:
		return []string{"Check the application name is installed on the device"}
	case casterr.KindHTTPStatus, casterr.KindNoContent, casterr.KindStatusParse:
		return []string{"Check the application URL with 'castctl status'"}
	}
	return nil
}

// RenderSuccess renders a success result box
func RenderSuccess(title string, details map[string]string) string {
	return NewSuccessResult(title, details).Render()
}

// RenderFailure renders a failure result box
func RenderFailure(title string, err error, troubleshooting []string) string {
	return NewFailureResult(title, err, troubleshooting).Render()
}

// RenderWarning renders a warning result box
func RenderWarning(title string, details map[string]string) string {
	return NewWarningResult(title, details).Render()
}
