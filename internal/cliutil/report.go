package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/pipewait/internal/bytesize"
	"github.com/Paintersrp/pipewait/internal/engine"
)

// Report is the user-facing summary of a run.
type Report struct {
	RunID              string    `json:"run_id" yaml:"run_id"`
	Process            string    `json:"process" yaml:"process"`
	PID                int       `json:"pid" yaml:"pid"`
	State              string    `json:"state" yaml:"state"`
	ExitCode           *int      `json:"exit_code" yaml:"exit_code"`
	Bytes              int       `json:"bytes" yaml:"bytes"`
	TransferElapsed    string    `json:"transfer_elapsed" yaml:"transfer_elapsed"`
	TransferMicros     int64     `json:"transfer_us" yaml:"transfer_us"`
	ThroughputBytesSec float64   `json:"throughput_bytes_per_sec" yaml:"throughput_bytes_per_sec"`
	StderrLines        int       `json:"stderr_lines" yaml:"stderr_lines"`
	DroppedLines       int       `json:"dropped_lines" yaml:"dropped_lines"`
	Killed             bool      `json:"killed" yaml:"killed"`
	ChildAlive         bool      `json:"child_alive" yaml:"child_alive"`
	Started            time.Time `json:"started" yaml:"started"`
	Duration           string    `json:"duration" yaml:"duration"`
	Error              string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewReport summarises a supervisor result.
func NewReport(res engine.Result, err error) Report {
	report := Report{
		RunID:              res.RunID,
		Process:            res.Name,
		PID:                res.PID,
		State:              res.State.String(),
		Bytes:              res.Transfer.Bytes,
		TransferElapsed:    res.Transfer.Elapsed.String(),
		TransferMicros:     res.Transfer.Elapsed.Microseconds(),
		ThroughputBytesSec: res.Transfer.Throughput(),
		StderrLines:        res.StderrLines,
		DroppedLines:       res.DroppedLines,
		Killed:             res.Killed,
		ChildAlive:         res.ChildAlive,
		Started:            res.Started,
		Duration:           res.Duration().Round(time.Microsecond).String(),
	}
	if res.State == engine.StateCompleted {
		code := res.ExitCode
		report.ExitCode = &code
	}
	if err != nil {
		report.Error = err.Error()
	}
	return report
}

// WriteReport renders report to w in one of text, table, json or yaml.
func WriteReport(w io.Writer, format string, report Report) error {
	switch format {
	case "", "text":
		return writeText(w, report)
	case "table":
		return writeTable(w, report)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

func (r Report) rows() [][]string {
	exitCode := "-"
	if r.ExitCode != nil {
		exitCode = strconv.Itoa(*r.ExitCode)
	}
	rows := [][]string{
		{"Run ID", r.RunID},
		{"Process", r.Process},
		{"PID", strconv.Itoa(r.PID)},
		{"State", r.State},
		{"Exit code", exitCode},
		{"Bytes", strconv.Itoa(r.Bytes)},
		{"Transfer", r.TransferElapsed},
		{"Throughput", bytesize.Rate(r.ThroughputBytesSec)},
		{"Stderr lines", strconv.Itoa(r.StderrLines)},
		{"Dropped lines", strconv.Itoa(r.DroppedLines)},
		{"Killed", strconv.FormatBool(r.Killed)},
		{"Child alive", strconv.FormatBool(r.ChildAlive)},
		{"Duration", r.Duration},
	}
	if r.Error != "" {
		rows = append(rows, []string{"Error", r.Error})
	}
	return rows
}

func writeText(w io.Writer, report Report) error {
	for _, row := range report.rows() {
		if _, err := fmt.Fprintf(w, "%-14s %s\n", row[0]+":", row[1]); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(w io.Writer, report Report) error {
	table := tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	for _, row := range report.rows() {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("render report: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
