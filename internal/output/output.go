// Package output renders CLI progress either as human-readable text or as
// line-delimited JSON events, mirroring the contract scripts wrapping cbm
// (packaging hooks, install media) depend on for machine-readable status.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Format is the output format type.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// EventType is the type of an output event.
type EventType string

const (
	EventPhaseStart    EventType = "phase_start"
	EventPhaseComplete EventType = "phase_complete"
	EventLog           EventType = "log"
	EventWarning       EventType = "warning"
	EventError         EventType = "error"
	EventComplete      EventType = "complete"
)

// Event is a single output event in JSON format.
type Event struct {
	Type       EventType `json:"type"`
	Phase      string    `json:"phase,omitempty"`
	Step       int       `json:"step,omitempty"`
	TotalSteps int       `json:"total_steps,omitempty"`
	Current    string    `json:"current,omitempty"`
	Status     string    `json:"status,omitempty"`
	Progress   int       `json:"progress,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  string    `json:"timestamp"`
	Logs       []string  `json:"logs,omitempty"`
}

// Writer renders progress events in the configured format.
type Writer struct {
	format     Format
	writer     io.Writer
	phase      string
	step       int
	totalSteps int
	current    string
	logs       []string
	verbose    bool
}

// New creates a new Writer.
func New(format Format, w io.Writer, verbose bool) *Writer {
	if w == nil {
		w = os.Stdout
	}
	return &Writer{format: format, writer: w, logs: make([]string, 0), verbose: verbose}
}

// SetPhase sets the current phase (update, install, gc, ...).
func (o *Writer) SetPhase(phase string, totalSteps int) {
	o.phase = phase
	o.totalSteps = totalSteps
	o.step = 0
}

// PhaseStart indicates the start of a numbered step within the phase.
func (o *Writer) PhaseStart(step int, name string) {
	o.step = step
	o.current = name
	o.logs = o.logs[:0]

	if o.format == FormatJSON {
		o.emit(Event{
			Type: EventPhaseStart, Phase: o.phase, Step: step, TotalSteps: o.totalSteps,
			Current: name, Status: "in_progress", Progress: o.progress(), Timestamp: now(),
		})
	} else {
		fmt.Fprintf(o.writer, "\nStep %d/%d: %s...\n", step, o.totalSteps, name)
	}
}

// PhaseComplete marks the numbered step done.
func (o *Writer) PhaseComplete(step int, name string) {
	if o.format == FormatJSON {
		o.emit(Event{
			Type: EventPhaseComplete, Phase: o.phase, Step: step, TotalSteps: o.totalSteps,
			Current: name, Status: "completed", Progress: o.progress(), Logs: o.logs, Timestamp: now(),
		})
	}
}

// Log emits an informational message.
func (o *Writer) Log(message string) {
	o.logs = append(o.logs, message)
	if o.format == FormatJSON {
		o.emit(Event{
			Type: EventLog, Phase: o.phase, Step: o.step, TotalSteps: o.totalSteps,
			Current: o.current, Status: "in_progress", Progress: o.progress(), Message: message,
			Logs: o.logs, Timestamp: now(),
		})
	} else {
		fmt.Fprintln(o.writer, message)
	}
}

// Logf formats and emits an informational message.
func (o *Writer) Logf(format string, args ...any) {
	o.Log(fmt.Sprintf(format, args...))
}

// Warning emits a non-fatal warning.
func (o *Writer) Warning(message string) {
	o.logs = append(o.logs, "WARNING: "+message)
	if o.format == FormatJSON {
		o.emit(Event{
			Type: EventWarning, Phase: o.phase, Step: o.step, TotalSteps: o.totalSteps,
			Current: o.current, Status: "in_progress", Progress: o.progress(), Message: message,
			Logs: o.logs, Timestamp: now(),
		})
	} else {
		fmt.Fprintf(o.writer, "Warning: %s\n", message)
	}
}

// Error emits a fatal-to-the-call error.
func (o *Writer) Error(err error) {
	message := err.Error()
	o.logs = append(o.logs, "ERROR: "+message)
	if o.format == FormatJSON {
		o.emit(Event{
			Type: EventError, Phase: o.phase, Step: o.step, TotalSteps: o.totalSteps,
			Current: o.current, Status: "failed", Progress: o.progress(), Error: message,
			Logs: o.logs, Timestamp: now(),
		})
	} else {
		fmt.Fprintf(o.writer, "Error: %s\n", message)
	}
}

// Complete emits the terminal event of a whole operation.
func (o *Writer) Complete(success bool, err error) {
	status := "success"
	var errMsg string
	if !success {
		status = "failed"
		if err != nil {
			errMsg = err.Error()
		}
	}

	if o.format == FormatJSON {
		o.emit(Event{Type: EventComplete, Phase: o.phase, Status: status, Progress: o.progress(), Error: errMsg, Logs: o.logs, Timestamp: now()})
		return
	}
	if success {
		fmt.Fprintln(o.writer, "\n"+strings.Repeat("=", 60))
		fmt.Fprintln(o.writer, "Operation completed successfully!")
		fmt.Fprintln(o.writer, strings.Repeat("=", 60))
	} else {
		fmt.Fprintf(o.writer, "\nOperation failed: %s\n", errMsg)
	}
}

func (o *Writer) progress() int {
	if o.totalSteps == 0 {
		return 0
	}
	return (o.step * 100) / o.totalSteps
}

func (o *Writer) emit(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling JSON: %v\n", err)
		return
	}
	fmt.Fprintln(o.writer, string(data))
}

// IsJSON reports whether the writer emits JSON.
func (o *Writer) IsJSON() bool { return o.format == FormatJSON }

// IsVerbose reports whether verbose logging was requested.
func (o *Writer) IsVerbose() bool { return o.verbose }

func now() string { return time.Now().Format(time.RFC3339) }
