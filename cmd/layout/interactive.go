package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/transcoder"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// browser shows one structure at a time on a chosen platform and rule.
type browser struct {
	err       error
	filename  string
	decls     []Decl
	platforms []abi.Platform
	rules     []transcoder.AlignmentRule
	current   Layout
	fields    table.Model
	selected  int
	platform  int
	rule      int
}

func newBrowser(filename string, decls []Decl, platforms []abi.Platform, rules []transcoder.AlignmentRule) *browser {
	m := &browser{
		filename:  filename,
		decls:     decls,
		platforms: platforms,
		rules:     rules,
		fields: table.New(
			table.WithColumns([]table.Column{
				{Title: "Offset", Width: 8},
				{Title: "Field", Width: 20},
				{Title: "Kind", Width: 16},
				{Title: "Size", Width: 6},
				{Title: "Pad", Width: 5},
			}),
			table.WithFocused(true),
			table.WithHeight(12),
		),
	}
	m.refresh()
	return m
}

func (m *browser) Init() tea.Cmd {
	return nil
}

func (m *browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
			m.refresh()
		}
	case "down", "j":
		if m.selected < len(m.decls)-1 {
			m.selected++
			m.refresh()
		}
	case "right", "l":
		m.platform = (m.platform + 1) % len(m.platforms)
		m.refresh()
	case "left", "h":
		m.platform = (m.platform + len(m.platforms) - 1) % len(m.platforms)
		m.refresh()
	case "tab":
		m.rule = (m.rule + 1) % len(m.rules)
		m.refresh()
	default:
		var cmd tea.Cmd
		m.fields, cmd = m.fields.Update(msg)
		return m, cmd
	}
	return m, nil
}

// refresh recomputes the layout shown for the current selection.
func (m *browser) refresh() {
	if len(m.decls) == 0 {
		return
	}
	layouts, err := Compute(m.decls[m.selected:m.selected+1],
		m.platforms[m.platform:m.platform+1], m.rules[m.rule:m.rule+1])
	m.err = err
	if err != nil {
		m.fields.SetRows(nil)
		return
	}
	m.current = layouts[0]
	rows := make([]table.Row, 0, len(m.current.Fields))
	for _, f := range m.current.Fields {
		pad := ""
		if f.Pad > 0 {
			pad = strconv.FormatUint(f.Pad, 10)
		}
		rows = append(rows, table.Row{
			strconv.FormatUint(f.Offset, 10),
			f.Name,
			f.Kind,
			strconv.FormatUint(f.Size, 10),
			pad,
		})
	}
	m.fields.SetRows(rows)
}

func (m *browser) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Layouts"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	if len(m.decls) == 0 {
		b.WriteString("No structures declared.\n\n")
		b.WriteString(helpStyle.Render("q quit"))
		return b.String()
	}

	for i, d := range m.decls {
		line := "  " + d.Name
		if i == m.selected {
			line = selectedStyle.Render("> " + d.Name)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	} else {
		b.WriteString(title(m.current))
		b.WriteString("\n")
		b.WriteString(m.fields.View())
		if tail := m.current.Tail(); tail > 0 {
			fmt.Fprintf(&b, "\n%d bytes trailing padding", tail)
		}
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("↑/↓ structure • ←/→ platform • tab rule • q quit"))
	return b.String()
}

func runInteractive(filename string, decls []Decl, platforms []abi.Platform, rules []transcoder.AlignmentRule) error {
	p := tea.NewProgram(newBrowser(filename, decls, platforms, rules), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
