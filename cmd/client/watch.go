package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/evolvablehardware/iCEFARM/internal/client/scheduler"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	watchFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	watchDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type resultMsg scheduler.ResultTriple
type resultsDoneMsg struct{}

// watchModel is a minimal bubbletea dashboard for a running batch: a
// progress line and a scrolling tail of the most recent results, replacing
// a plain printed stream when --watch is set.
type watchModel struct {
	total int
	done  int
	tail  []string
}

func newWatchModel(total int) watchModel {
	return watchModel{total: total}
}

func (m watchModel) Init() tea.Cmd { return nil }

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case resultMsg:
		m.done++
		line := fmt.Sprintf("%s  eval %s  pulses=%d", msg.Serial, msg.Evaluation.ID, msg.Result.Pulses)
		if msg.Result.Failed {
			line = watchFailStyle.Render(line + "  FAILED")
		} else {
			line = watchOKStyle.Render(line)
		}
		m.tail = append(m.tail, line)
		if len(m.tail) > 12 {
			m.tail = m.tail[len(m.tail)-12:]
		}
	case resultsDoneMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render(fmt.Sprintf("batch progress: %d/%d", m.done, m.total)))
	b.WriteString("\n\n")
	for _, line := range m.tail {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(watchDimStyle.Render("\nq / ctrl+c to exit"))
	return b.String()
}

// watchResults drains sched's result stream into a terminal dashboard until
// it closes (or the user quits early).
func watchResults(sched *scheduler.Scheduler, total int) error {
	p := tea.NewProgram(newWatchModel(total))

	go func() {
		for result := range sched.Results() {
			p.Send(resultMsg(result))
		}
		p.Send(resultsDoneMsg{})
	}()

	_, err := p.Run()
	return err
}
