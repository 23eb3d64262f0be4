package productionline

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

type RunStatus string

const RunStatusIdle RunStatus = "idle"
const RunStatusRunning RunStatus = "running"
const RunStatusCompleted RunStatus = "completed"
const RunStatusFailed RunStatus = "failed"

// StepRecord is the timing of one executed step, appended in completion order.
type StepRecord struct {
	Label    string    `json:"label" yaml:"label"`
	Sequence int       `json:"sequence" yaml:"sequence"`
	Start    time.Time `json:"start" yaml:"start"`
	End      time.Time `json:"end" yaml:"end"`
	// Duration in seconds.
	Duration float64 `json:"duration" yaml:"duration"`
}

// RunFailure marks a partial report produced by a failed run.
type RunFailure struct {
	Step     string `json:"step" yaml:"step"`
	Sequence int    `json:"sequence" yaml:"sequence"`
	Message  string `json:"message" yaml:"message"`
}

// Report is an immutable snapshot of a run. Builder.Report assembles a new one on every call.
type Report struct {
	RunID  string    `json:"run_id" yaml:"run_id"`
	Status RunStatus `json:"status" yaml:"status"`
	// Total run duration in seconds.
	Total float64      `json:"total" yaml:"total"`
	Tasks []StepRecord `json:"tasks" yaml:"tasks"`

	Source string   `json:"source" yaml:"source"`
	Output string   `json:"output" yaml:"output"`
	Assets []string `json:"assets" yaml:"assets"`
	Ignore []string `json:"ignore" yaml:"ignore"`

	Failure *RunFailure `json:"failure,omitempty" yaml:"failure,omitempty"`
}

const minDurationDecimals = 2
const maxDurationDecimals = 9

// FormatDurations renders seconds with the fewest decimals (at least two)
// that leave every non-zero value with a visible significant digit.
func FormatDurations(values ...float64) []string {
	decimals := durationDecimals(values)
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strconv.FormatFloat(v, 'f', decimals, 64)
	}
	return out
}

func durationDecimals(values []float64) int {
	decimals := minDurationDecimals
	for decimals < maxDurationDecimals {
		scale := math.Pow(10, float64(decimals))
		hidden := false
		for _, v := range values {
			if v != 0 && math.Round(math.Abs(v)*scale) == 0 {
				hidden = true
				break
			}
		}
		if !hidden {
			break
		}
		decimals++
	}
	return decimals
}

var (
	reportHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true).Padding(0, 1)
	reportCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	reportBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	reportLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	reportFailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204")).Bold(true)
)

// RenderReport writes a table of step timings followed by the run metadata.
func RenderReport(w io.Writer, report *Report) error {
	values := make([]float64, 0, len(report.Tasks)+1)
	for _, task := range report.Tasks {
		values = append(values, task.Duration)
	}
	values = append(values, report.Total)
	formatted := FormatDurations(values...)

	rows := make([][]string, 0, len(report.Tasks))
	for i, task := range report.Tasks {
		rows = append(rows, []string{
			strconv.Itoa(task.Sequence),
			task.Label,
			task.Start.Format("15:04:05.000"),
			formatted[i] + "s",
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(reportBorderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return reportHeaderStyle
			}
			return reportCellStyle
		}).
		Headers("#", "Step", "Started", "Duration").
		Rows(rows...)

	var sb strings.Builder
	sb.WriteString(t.String() + "\n")
	sb.WriteString(reportLabelStyle.Render("run:     ") + " " + report.RunID + " (" + string(report.Status) + ")\n")
	sb.WriteString(reportLabelStyle.Render("total:   ") + " " + formatted[len(formatted)-1] + "s\n")
	sb.WriteString(reportLabelStyle.Render("source:  ") + " " + report.Source + "\n")
	sb.WriteString(reportLabelStyle.Render("output:  ") + " " + report.Output + "\n")
	sb.WriteString(reportLabelStyle.Render("assets:  ") + " " + strings.Join(report.Assets, ", ") + "\n")
	sb.WriteString(reportLabelStyle.Render("ignore:  ") + " " + strings.Join(report.Ignore, ", ") + "\n")
	if report.Failure != nil {
		sb.WriteString(reportFailStyle.Render(fmt.Sprintf("failed at step %d %q: %s", report.Failure.Sequence, report.Failure.Step, report.Failure.Message)) + "\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// runRecorder accumulates the mutable state a Report is built from.
type runRecorder struct {
	runID   string
	status  RunStatus
	tasks   []StepRecord
	total   *float64
	failure *RunFailure
}

func (rr *runRecorder) reset(runID string) {
	rr.runID = runID
	rr.status = RunStatusRunning
	rr.tasks = nil
	rr.total = nil
	rr.failure = nil
}
