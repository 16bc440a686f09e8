package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/xqserver/internal/client"
)

// Watch follows one action until it terminates.
type Watch struct {
	client   *client.Client
	id       string
	interval time.Duration
	spinner  spinner.Model
	bar      progress.Model
	last     *client.Progress
	err      error
	quitting bool
}

// NewWatch creates a watcher polling every interval.
func NewWatch(c *client.Client, id string, interval time.Duration) *Watch {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)
	return &Watch{
		client:   c,
		id:       id,
		interval: interval,
		spinner:  sp,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
	}
}

// Run shows the watcher until the action ends or the user quits. It
// returns the last progress report.
func (w *Watch) Run() (*client.Progress, error) {
	if _, err := tea.NewProgram(w).Run(); err != nil {
		return nil, err
	}
	return w.last, w.err
}

// Init implements tea.Model
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.poll())
}

func (w *Watch) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		p, err := w.client.Progress(ctx, w.id)
		return detailMsg{progress: p, err: err}
	}
}

// Update implements tea.Model
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			w.quitting = true
			return w, tea.Quit
		}
	case detailMsg:
		if msg.err != nil {
			w.err = msg.err
			return w, tea.Quit
		}
		w.last = msg.progress
		if w.last.Done() {
			return w, tea.Quit
		}
		return w, tea.Tick(w.interval, func(time.Time) tea.Msg { return pollMsg{} })
	case pollMsg:
		return w, w.poll()
	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}
	return w, nil
}

// View implements tea.Model
func (w *Watch) View() string {
	if w.err != nil {
		return lipgloss.NewStyle().Foreground(errorColor).Render("Error: "+w.err.Error()) + "\n"
	}
	if w.last == nil {
		return fmt.Sprintf("%s waiting for %s\n", w.spinner.View(), w.id)
	}
	var b strings.Builder
	switch {
	case w.last.Error != "":
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("✗ "+w.last.Label) + "\n")
		b.WriteString("error " + w.last.Error + "\n")
	case w.last.Done():
		b.WriteString(lipgloss.NewStyle().Foreground(successColor).Render("● "+w.last.Label) + "\n")
	default:
		b.WriteString(w.spinner.View() + " " + w.last.Label + "\n")
	}
	b.WriteString(w.bar.ViewAs(w.last.Fraction) + "\n")
	if w.quitting && !w.last.Done() {
		b.WriteString(labelStyle.Render(fmt.Sprintf("still running, resume with: watch %s", w.id)) + "\n")
	}
	return b.String()
}

type pollMsg struct{}
