// Package tui renders a terminal progress bar for long-running flash/erase
// operations, driven by a device.ProgressFunc callback from a worker
// goroutine.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

type progressMsg struct {
	done, total int64
}

type doneMsg struct {
	err error
}

type model struct {
	label string
	total int64
	done  int64
	bar   progress.Model

	width    int
	finished bool
	err      error
}

func newModel(label string, total int64) model {
	return model{
		label: label,
		total: total,
		bar:   progress.New(progress.WithDefaultGradient()),
	}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 10
		if m.bar.Width < 20 {
			m.bar.Width = 20
		}
		return m, nil

	case progressMsg:
		m.done = msg.done
		var pct float64
		if msg.total > 0 {
			pct = float64(msg.done) / float64(msg.total)
		}
		return m, m.bar.SetPercent(pct)

	case doneMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit

	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		m.bar = barModel.(progress.Model)
		return m, cmd

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s\n\n", m.label))
	b.WriteString(m.bar.View() + "\n\n")
	if m.total > 0 {
		b.WriteString(statusStyle.Render(fmt.Sprintf("%d / %d bytes", m.done, m.total)))
	} else {
		b.WriteString(statusStyle.Render(fmt.Sprintf("%d bytes", m.done)))
	}
	b.WriteString("\n")
	if m.finished && m.err != nil {
		b.WriteString(fmt.Sprintf("\nerror: %v\n", m.err))
	}
	return b.String()
}

// Run drives a tea.Program showing a progress bar labeled label (total
// bytes expected, 0 if unknown) while work runs in the background, calling
// the onProgress callback it is given with cumulative bytes done. It
// returns work's error.
func Run(label string, total int64, work func(onProgress func(done int64)) error) error {
	p := tea.NewProgram(newModel(label, total))

	errCh := make(chan error, 1)
	go func() {
		err := work(func(done int64) {
			p.Send(progressMsg{done: done, total: total})
		})
		errCh <- err
		p.Send(doneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		return err
	}
	return <-errCh
}
