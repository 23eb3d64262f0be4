package productionline

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Sink receives the user-facing notices of a build. Arguments are joined with a single space.
type Sink interface {
	Info(args ...any)
	Warn(args ...any)
	Failure(args ...any)
	Success(args ...any)
	Log(args ...any)
	Highlight(args ...any)
}

var (
	failureColor   = lipgloss.Color("#D63031")
	warnColor      = lipgloss.Color("#E17055")
	infoColor      = lipgloss.Color("#74B9FF")
	logColor       = lipgloss.Color("#DFE6E9")
	highlightColor = lipgloss.Color("#E84393")
	successColor   = lipgloss.Color("#55EFC4")
)

// ConsoleSink writes one coloured line per notice.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer

	failure   lipgloss.Style
	warn      lipgloss.Style
	info      lipgloss.Style
	log       lipgloss.Style
	highlight lipgloss.Style
	success   lipgloss.Style
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	bold := lipgloss.NewStyle().Bold(true)
	return &ConsoleSink{
		w:         w,
		failure:   bold.Foreground(failureColor),
		warn:      bold.Foreground(warnColor),
		info:      bold.Foreground(infoColor),
		log:       bold.Foreground(logColor),
		highlight: bold.Foreground(highlightColor),
		success:   bold.Foreground(successColor),
	}
}

func (cs *ConsoleSink) Info(args ...any)      { cs.write(cs.info, args) }
func (cs *ConsoleSink) Warn(args ...any)      { cs.write(cs.warn, args) }
func (cs *ConsoleSink) Failure(args ...any)   { cs.write(cs.failure, args) }
func (cs *ConsoleSink) Success(args ...any)   { cs.write(cs.success, args) }
func (cs *ConsoleSink) Log(args ...any)       { cs.write(cs.log, args) }
func (cs *ConsoleSink) Highlight(args ...any) { cs.write(cs.highlight, args) }

func (cs *ConsoleSink) write(style lipgloss.Style, args []any) {
	line := style.Render(joinArguments(args))
	cs.mu.Lock()
	defer cs.mu.Unlock()
	fmt.Fprintln(cs.w, line)
}

func joinArguments(args []any) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprint(arg)
	}
	return strings.Join(parts, " ")
}

type discardSink struct{}

func (discardSink) Info(...any)      {}
func (discardSink) Warn(...any)      {}
func (discardSink) Failure(...any)   {}
func (discardSink) Success(...any)   {}
func (discardSink) Log(...any)       {}
func (discardSink) Highlight(...any) {}

// DiscardSink drops every notice.
var DiscardSink Sink = discardSink{}
