package tui

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nzilbb/jsendpraat/journal"
)

// JournalModel is a Bubble Tea model listing journal records.
type JournalModel struct {
	table    table.Model
	count    int
	quitting bool
}

func journalColumns() []table.Column {
	return []table.Column{
		{Title: "Time", Width: 19},
		{Title: "Sender", Width: 8},
		{Title: "Dir", Width: 8},
		{Title: "Kind", Width: 10},
		{Title: "Code", Width: 5},
		{Title: "Size", Width: 7},
		{Title: "Detail", Width: 32},
	}
}

// JournalRows converts records to table rows.
func JournalRows(records []journal.Record) []table.Row {
	rows := make([]table.Row, 0, len(records))
	for _, r := range records {
		code := ""
		if r.Code != nil {
			code = strconv.Itoa(*r.Code)
		}
		rows = append(rows, table.Row{
			r.Time.Local().Format("2006-01-02 15:04:05"),
			r.Sender,
			string(r.Direction),
			r.Kind,
			code,
			strconv.Itoa(r.Size),
			r.Detail,
		})
	}
	return rows
}

// NewJournalModel creates a journal model.
func NewJournalModel(records []journal.Record) JournalModel {
	t := table.New(
		table.WithColumns(journalColumns()),
		table.WithRows(JournalRows(records)),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Foreground(accent).Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#FFFFFF")).Background(accent)
	t.SetStyles(styles)
	return JournalModel{table: t, count: len(records)}
}

// Init implements tea.Model.
func (m JournalModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m JournalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m JournalModel) View() string {
	if m.quitting {
		return ""
	}
	title := headingStyle.Render(fmt.Sprintf("Journal (%d records)", m.count))
	help := hintStyle.Render("↑/↓ scroll  ·  q quit")
	return title + "\n" + m.table.View() + "\n" + help
}

// RunJournalTUI runs the journal view.
func RunJournalTUI(records []journal.Record) error {
	p := tea.NewProgram(NewJournalModel(records), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
