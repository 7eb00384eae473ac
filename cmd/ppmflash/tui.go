package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ppmflash.dev/bootloader"
)

// The TUI is a thin observer: the bootloader runs in its own
// goroutine and feeds status lines through the model's message
// channel; the protocol never waits on the display.

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	statusStyle = lipgloss.NewStyle().Faint(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

type statusMsg string

type doneMsg struct {
	report bootloader.Report
	err    error
}

type tickMsg time.Time

type model struct {
	title   string
	start   time.Time
	lines   []string
	done    bool
	failed  bool
	elapsed time.Duration
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statusMsg:
		m.lines = append(m.lines, string(msg))
		if len(m.lines) > 8 {
			m.lines = m.lines[len(m.lines)-8:]
		}
		return m, nil
	case doneMsg:
		m.done = true
		m.failed = msg.err != nil
		m.elapsed = time.Since(m.start)
		return m, tea.Quit
	case tickMsg:
		m.elapsed = time.Since(m.start)
		return m, tick()
	case tea.KeyMsg:
		// The wire protocol cannot be safely interrupted mid-session;
		// keys only quit once the action has finished.
		if m.done {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	fmt.Fprintf(&b, "  %s\n", m.elapsed.Round(100*time.Millisecond))
	for _, l := range m.lines {
		b.WriteString(statusStyle.Render("  " + l))
		b.WriteString("\n")
	}
	if m.done {
		if m.failed {
			b.WriteString(errStyle.Render("failed"))
		} else {
			b.WriteString(okStyle.Render("done"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// teaLogger adapts the bootloader's logging surface onto the running
// TUI program.
type teaLogger struct {
	p *tea.Program
}

func (l teaLogger) Debugf(format string, args ...any) {
	l.p.Send(statusMsg(fmt.Sprintf(format, args...)))
}
func (l teaLogger) Infof(format string, args ...any) {
	l.p.Send(statusMsg(fmt.Sprintf(format, args...)))
}
func (l teaLogger) Errorf(format string, args ...any) {
	l.p.Send(statusMsg(fmt.Sprintf(format, args...)))
}

func runWithTUI(ctx context.Context, bl *bootloader.Bootloader, opts bootloader.Options) (bootloader.Report, error) {
	m := model{
		title: fmt.Sprintf("ppmflash %s %s", opts.Action, opts.Memory),
		start: time.Now(),
	}
	p := tea.NewProgram(m)
	// Route all logging through the TUI while it owns the terminal.
	bl.Log = teaLogger{p: p}
	bl.Engine.Log = teaLogger{p: p}

	var (
		report bootloader.Report
		actErr error
	)
	go func() {
		report, actErr = bl.DoAction(ctx, opts)
		p.Send(doneMsg{report: report, err: actErr})
	}()
	if _, err := p.Run(); err != nil {
		return report, err
	}
	return report, actErr
}
