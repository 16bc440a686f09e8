// Package tui provides the interactive terminal monitor: running and
// retained long actions, the library list and an administrative command
// line.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/client"
	"github.com/fentz26/xqserver/internal/models"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().Foreground(mutedColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// PollInterval is how often the monitor refreshes.
const PollInterval = time.Second

const requestTimeout = 10 * time.Second

// Views.
const (
	viewActions   = "actions"
	viewDetail    = "detail"
	viewLibraries = "libraries"
)

// App is the monitor model.
type App struct {
	client      *client.Client
	actions     []broker.ActionInfo
	libraries   []string
	info        *models.ServerInfo
	selectedIdx int
	detail      *client.Progress
	input       textinput.Model
	bar         progress.Model
	suggestions *Suggestions
	width       int
	height      int
	mode        string
	message     string
	online      bool
}

// New creates the monitor over an API client.
func New(c *client.Client) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands: backup <lib|*> <path> | reindex <lib> | cancel <id> | mklib <name>"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      c,
		input:       ti,
		bar:         progress.New(progress.WithDefaultGradient()),
		suggestions: NewSuggestions(),
		mode:        viewActions,
		width:       80,
		height:      24,
	}
}

// Run starts the monitor.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.refresh(), a.tick())
}

// Selected returns the selected action, if any.
func (a *App) Selected() *broker.ActionInfo {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.actions) {
		return nil
	}
	return &a.actions[a.selectedIdx]
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.mode != viewActions {
				a.mode = viewActions
				a.detail = nil
				return a, nil
			}

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else if a.selectedIdx > 0 {
				a.selectedIdx--
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else if a.selectedIdx < len(a.actions)-1 {
				a.selectedIdx++
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				if s := a.suggestions.Selected(); s != nil {
					a.input.SetValue(a.suggestions.Complete(s) + " ")
					a.input.CursorEnd()
					a.suggestions.Update("")
				}
				return a, nil
			}
			if a.mode == viewLibraries {
				a.mode = viewActions
			} else {
				a.mode = viewLibraries
			}
			return a, nil

		case "enter":
			if a.suggestions.IsVisible() {
				if s := a.suggestions.Selected(); s != nil {
					a.input.SetValue(a.suggestions.Complete(s) + " ")
					a.input.CursorEnd()
					a.suggestions.Update("")
				}
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				return a, a.execute(line)
			}
			if sel := a.Selected(); sel != nil && a.mode == viewActions {
				a.mode = viewDetail
				return a, a.fetchDetail(sel.ID)
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.bar.Width = min(msg.Width-12, 60)

	case refreshedMsg:
		a.online = msg.err == nil
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			break
		}
		a.actions = msg.actions
		a.libraries = msg.libraries
		a.info = msg.info
		if a.selectedIdx >= len(a.actions) {
			a.selectedIdx = max(0, len(a.actions)-1)
		}

	case detailMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		} else {
			a.detail = msg.progress
		}

	case tickMsg:
		cmds = append(cmds, a.refresh(), a.tick())
		if a.mode == viewDetail {
			if sel := a.Selected(); sel != nil {
				cmds = append(cmds, a.fetchDetail(sel.ID))
			}
		}

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if a.suggestions.Prefix() == "@" {
		ids := make([]string, len(a.actions))
		for i, act := range a.actions {
			ids[i] = act.ID
		}
		a.suggestions.SetReferences(ids, a.libraries)
	}

	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	status := onlineStyle.Render("● SERVER")
	if !a.online {
		status = offlineStyle.Render("○ SERVER")
	}
	header := titleStyle.Render("xqserver monitor") + "  " + status
	if a.info != nil {
		name := a.info.Name
		if name == "" {
			name = "unnamed"
		}
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%s %s, %d libraries]", name, a.info.Version, len(a.libraries)))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := max(a.height-8, 5)
	switch a.mode {
	case viewActions:
		b.WriteString(a.renderActions(contentHeight))
	case viewDetail:
		b.WriteString(a.renderDetail())
	case viewLibraries:
		b.WriteString(a.renderLibraries(contentHeight))
	}

	if a.message != "" {
		style := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + style.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var bar string
	switch a.mode {
	case viewActions:
		bar = fmt.Sprintf(" Actions: %d | ↑↓:nav | Enter:detail | Tab:libraries | Ctrl+C:quit", len(a.actions))
	case viewLibraries:
		bar = fmt.Sprintf(" Libraries: %d | Tab:actions | Esc:back", len(a.libraries))
	default:
		bar = " Esc:back | Enter:command | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(bar))
	return b.String()
}

func (a *App) renderActions(height int) string {
	if len(a.actions) == 0 {
		return "\n  No actions. Type: backup <library|*> <path> or reindex <library>.\n"
	}
	var lines []string
	for i, act := range a.actions {
		text := fmt.Sprintf("%s  %-8s %s  %s", formatState(act.State), act.ID, a.bar.ViewAs(act.Fraction), act.Label)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
		} else {
			lines = append(lines, itemStyle.Render("  "+text))
		}
	}
	if len(lines) > height {
		start := max(0, a.selectedIdx-height/2)
		end := min(start+height, len(lines))
		start = max(0, end-height)
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderDetail() string {
	sel := a.Selected()
	if sel == nil {
		return "\n  No action selected.\n"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(sel.Label)))
	b.WriteString(labelStyle.Render("  ID: ") + sel.ID + "\n")
	b.WriteString(labelStyle.Render("  Kind: ") + sel.Kind + "\n")
	b.WriteString(labelStyle.Render("  State: ") + formatState(sel.State) + "\n")
	if sel.Location != "" {
		b.WriteString(labelStyle.Render("  Location: ") + sel.Location + "\n")
	}
	if !sel.Start.IsZero() {
		b.WriteString(labelStyle.Render("  Started: ") + humanize.Time(sel.Start) + "\n")
	}
	if !sel.End.IsZero() {
		b.WriteString(labelStyle.Render("  Took: ") + sel.End.Sub(sel.Start).Round(time.Millisecond).String() + "\n")
	}
	fraction := sel.Fraction
	if a.detail != nil {
		fraction = a.detail.Fraction
	}
	b.WriteString("\n  " + a.bar.ViewAs(fraction) + "\n")
	if a.detail != nil && a.detail.Error != "" {
		b.WriteString("\n  " + lipgloss.NewStyle().Foreground(errorColor).Render("error "+a.detail.Error) + "\n")
		for _, l := range strings.Split(a.detail.Stack, "\n") {
			b.WriteString(labelStyle.Render("    "+l) + "\n")
		}
	}
	return b.String()
}

func (a *App) renderLibraries(height int) string {
	if len(a.libraries) == 0 {
		return "\n  No libraries. Type: mklib <name>\n"
	}
	var b strings.Builder
	for i, name := range a.libraries {
		if i >= height {
			b.WriteString(labelStyle.Render(fmt.Sprintf("  ... and %d more", len(a.libraries)-height)))
			break
		}
		b.WriteString(itemStyle.Render("• "+name) + "\n")
	}
	return b.String()
}

func formatState(state string) string {
	switch state {
	case broker.StateRunning:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◑ RUNNING ")
	case broker.StateFinished:
		return lipgloss.NewStyle().Foreground(successColor).Render("● FINISHED")
	case broker.StateAborted:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ ABORTED ")
	}
	return state
}

func (a *App) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		actions, err := a.client.Actions(ctx)
		if err != nil {
			return refreshedMsg{err: err}
		}
		info, err := a.client.ServerInfo(ctx)
		if err != nil {
			return refreshedMsg{err: err}
		}
		return refreshedMsg{actions: actions, libraries: info.Libraries, info: info}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		p, err := a.client.Progress(ctx, id)
		return detailMsg{progress: p, err: err}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(PollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) execute(line string) tea.Cmd {
	cmd, err := ParseCommand(line)
	if err != nil {
		return func() tea.Msg { return commandResultMsg{"Error: " + err.Error()} }
	}
	if cmd.Name == "quit" {
		return tea.Quit
	}
	if cmd.Name == "cancel" && len(cmd.Args) == 0 {
		if sel := a.Selected(); sel != nil {
			cmd.Args = []string{sel.ID}
		}
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		msg, err := cmd.Run(ctx, a.client)
		if err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		return commandResultMsg{"✓ " + msg}
	}
}

type refreshedMsg struct {
	actions   []broker.ActionInfo
	libraries []string
	info      *models.ServerInfo
	err       error
}

type detailMsg struct {
	progress *client.Progress
	err      error
}

type commandResultMsg struct {
	message string
}

type tickMsg time.Time
