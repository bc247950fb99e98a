// Package cliui provides reusable terminal UI helpers (spinners, step
// indicators, styles) for chatwire CLI commands.
package cliui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

var (
	SuccessMark = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Render("✓")
	FailMark    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗")
	StepStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	KeyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	ValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	DimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	NameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	HashStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	// ReasoningStyle renders model reasoning text, which is shown but not
	// kept in the conversation.
	ReasoningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
)

var spinnerFrames = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

// Step runs fn and reports it as one line: a ✓ or ✗, msg and the elapsed
// time. On a terminal a spinner animates in that line while fn runs.
func Step(w io.Writer, msg string, fn func() error) error {
	start := time.Now()

	var err error
	if isTerminal(w) {
		s := startSpinner(w, msg)
		err = fn()
		s.stop()
		fmt.Fprint(w, "\r")
	} else {
		err = fn()
	}

	fmt.Fprintf(w, "  %s %s %s\n",
		Mark(err),
		msg,
		StepStyle.Render("("+FormatDuration(time.Since(start))+")"),
	)
	return err
}

type spinner struct {
	done    chan struct{}
	stopped chan struct{}
}

func startSpinner(w io.Writer, msg string) *spinner {
	s := &spinner{done: make(chan struct{}), stopped: make(chan struct{})}
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for frame := 0; ; frame++ {
			fmt.Fprintf(w, "\r  %s %s", spinnerStyle.Render(spinnerFrames[frame%len(spinnerFrames)]), msg)
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

func (s *spinner) stop() {
	close(s.done)
	<-s.stopped
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Mark returns a ✓ for nil errors or ✗ for non-nil errors.
func Mark(err error) string {
	if err != nil {
		return FailMark
	}
	return SuccessMark
}

// FormatDuration formats a duration for display (e.g. "12ms" or "3.2s").
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// Preview flattens s onto one line and truncates it to width terminal
// cells, ending with "…" when cut.
func Preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return ansi.Truncate(s, width, "…")
}

// KeyValue renders "key: value" with the shared styles.
func KeyValue(key, value string) string {
	return KeyStyle.Render(key+":") + " " + ValueStyle.Render(value)
}
