package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for the command line. "/" lists the
// commands; a word starting with "@" lists action ids and libraries.
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string
	currentInput string
}

// SuggestionItem is a single autocomplete entry.
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "action", "library"
}

func commandSuggestions() []SuggestionItem {
	names := make([]string, 0, len(commandSpecs))
	for name := range commandSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]SuggestionItem, len(names))
	for i, name := range names {
		items[i] = SuggestionItem{Text: name, Description: commandSpecs[name].description, Type: "command"}
	}
	return items
}

// NewSuggestions creates an empty suggestion box.
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

// lastWord returns the word being typed.
func lastWord(input string) string {
	if strings.HasSuffix(input, " ") {
		return ""
	}
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// Update recomputes the suggestions for the current input.
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	word := lastWord(input)
	switch {
	case strings.HasPrefix(input, "/") && !strings.Contains(input, " "):
		s.prefix = "/"
		s.items = commandSuggestions()
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "/")))
	case strings.HasPrefix(word, "@"):
		if s.prefix != "@" {
			s.items = nil
		}
		s.prefix = "@"
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(word, "@")))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// Prefix returns the trigger of the visible suggestions.
func (s *Suggestions) Prefix() string { return s.prefix }

// SetReferences sets the "@" candidates.
func (s *Suggestions) SetReferences(actionIDs, libraries []string) {
	if s.prefix != "@" {
		return
	}
	s.items = s.items[:0]
	for _, id := range actionIDs {
		s.items = append(s.items, SuggestionItem{Text: id, Description: "action", Type: "action"})
	}
	for _, name := range libraries {
		s.items = append(s.items, SuggestionItem{Text: name, Description: "library", Type: "library"})
	}
	s.filter(strings.ToLower(strings.TrimPrefix(lastWord(s.currentInput), "@")))
}

// Complete returns the input with the word being typed replaced by item.
func (s *Suggestions) Complete(item *SuggestionItem) string {
	if s.prefix == "/" {
		return item.Text
	}
	input := s.currentInput
	word := lastWord(input)
	return strings.TrimSuffix(input, word) + item.Text
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}
	s.filtered = nil
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the highlighted suggestion.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible reports whether there is anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the dropdown.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#6366F1")).
		Padding(0, 1).
		Width(max(width-4, 20))

	selStyle := lipgloss.NewStyle().
		Background(primaryColor).
		Foreground(fgColor).
		Bold(true)

	descStyle := lipgloss.NewStyle().
		Foreground(mutedColor).
		Italic(true)

	header := "Commands"
	if s.prefix == "@" {
		header = "References"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	const maxVisible = 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}
		var line string
		if i == s.selectedIdx {
			line = selStyle.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + selStyle.Render(item.Description)
			}
		} else {
			line = lipgloss.NewStyle().Foreground(fgColor).Render("  " + item.Text)
			if item.Description != "" {
				line += " " + descStyle.Render(item.Description)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return boxStyle.Render(b.String())
}
