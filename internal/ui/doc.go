// Package ui renders castctl output with Bubble Tea and Lipgloss.
//
// One-shot commands (scan, status, start, stop) print a header, an optional
// step list and a result box:
//
//	runner := ui.NewRunner(ui.RunnerConfig{
//	    Title:     "Start Application",
//	    Command:   "castctl start lounge YouTube",
//	    StepNames: []string{"Connect link", "Poll status", "Launch", "Confirm"},
//	})
//	err := runner.Run(func(onStep ui.StepCallback) (map[string]string, error) {
//	    onStep(1, ui.StepRunning, "")
//	    ...
//	})
//
// The watch command runs WatchModel, an interactive program fed by a
// WatchBridge installed as the discovery listener.
package ui
