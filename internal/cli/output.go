package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (poll cycle failed, event not found, etc.)
	ExitCommandError = 2 // Command error (bad flags, invalid query, store not reachable, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// classify maps domain error kinds onto exit codes.
func classify(message string, err error) *ExitError {
	if errors.Is(err, domain.ErrInvalidQuery) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// textRenderer is implemented by results with a human-readable form.
type textRenderer interface {
	renderText(w io.Writer) error
}

// render writes v in the requested format. Text falls back to fmt when v has
// no dedicated renderer.
func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		if r, ok := v.(textRenderer); ok {
			return r.renderText(w)
		}
		_, err := fmt.Fprintln(w, v)
		return err
	}
}

// eventList is the output of query.
type eventList struct {
	Events []domain.EventRecord `json:"events" yaml:"events"`
	Count  int                  `json:"count" yaml:"count"`
}

func (l eventList) renderText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTIME\tMAG\tLAT\tLON\tDEPTH\tSTATUS\tPLACE")
	for _, r := range l.Events {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.3f\t%.3f\t%.1f\t%s\t%s\n",
			r.EventID, formatTime(r.OccurredAt), r.Magnitude,
			r.Location.Latitude, r.Location.Longitude, r.Location.DepthKM,
			r.Status, r.Place)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d events\n", l.Count)
	return err
}

// eventDetail is the output of get.
type eventDetail struct {
	domain.EventRecord `yaml:",inline"`
}

func (d eventDetail) renderText(w io.Writer) error {
	r := d.EventRecord
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"event", r.EventID},
		{"status", string(r.Status)},
		{"time", formatTime(r.OccurredAt)},
		{"updated", formatTime(r.UpdatedAt)},
		{"magnitude", fmt.Sprintf("%.1f %s", r.Magnitude, r.MagnitudeType)},
		{"location", fmt.Sprintf("%.4f, %.4f at %.1f km", r.Location.Latitude, r.Location.Longitude, r.Location.DepthKM)},
		{"place", r.Place},
		{"ingested", formatTime(r.IngestedAt)},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
