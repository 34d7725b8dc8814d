package ui

import (
	"fmt"
	"io"
	"os"
	"time"
)

// RunnerConfig describes a command run with step output
type RunnerConfig struct {
	Title     string            // e.g., "Stop Application"
	Command   string            // e.g., "castctl stop lounge YouTube"
	Params    map[string]string // Shown in the header
	StepNames []string
	Output    io.Writer // Defaults to os.Stdout
}

// Runner prints header, step lines and a result box around one operation
type Runner struct {
	config   RunnerConfig
	header   *Header
	progress *Progress
	output   io.Writer
	width    int
}

// NewRunner creates a runner for config
func NewRunner(config RunnerConfig) *Runner {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	width := GetTerminalWidth()

	return &Runner{
		config:   config,
		header:   NewHeader(config.Title, config.Command, config.Params).SetWidth(width),
		progress: NewProgress("", config.StepNames).SetWidth(width),
		output:   config.Output,
		width:    width,
	}
}

// Operation performs the work, reporting steps through onStep, and returns
// the details for the success box
type Operation func(onStep StepCallback) (map[string]string, error)

// Run prints the header, executes op and prints the outcome. The error from
// op is returned unchanged.
func (r *Runner) Run(op Operation) error {
	start := time.Now()

	_, _ = fmt.Fprintln(r.output, r.header.Render())
	_, _ = fmt.Fprintln(r.output)

	details, err := op(r.onStep)

	_, _ = fmt.Fprintln(r.output)
	if err != nil {
		res := NewFailureResult(r.config.Title+" failed", err, nil).SetWidth(r.width)
		res.AddDetail("Duration", time.Since(start).Round(time.Millisecond).String())
		_, _ = fmt.Fprintln(r.output, res.Render())
		return err
	}

	res := NewSuccessResult(r.config.Title+" complete", details).SetWidth(r.width)
	res.AddDetail("Duration", time.Since(start).Round(time.Millisecond).String())
	_, _ = fmt.Fprintln(r.output, res.Render())
	return nil
}

// onStep prints a finished step on its own line. Running steps are printed
// with a carriage return so the finished line overwrites them.
func (r *Runner) onStep(stepNumber int, status StepStatus, message string) {
	r.progress.UpdateStep(stepNumber, status, message)
	if stepNumber < 1 || stepNumber > len(r.progress.Steps) {
		return
	}
	line := r.progress.renderStepLine(r.progress.Steps[stepNumber-1])
	if status.finished() {
		_, _ = fmt.Fprintln(r.output, line)
	} else if status == StepRunning {
		_, _ = fmt.Fprint(r.output, line+"\r")
	}
}

// Progress exposes the step state, mainly for tests
func (r *Runner) Progress() *Progress {
	return r.progress
}
