package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Martin-Hayot/auction-storefront/internal/auction"
	"github.com/Martin-Hayot/auction-storefront/internal/session"
	"github.com/Martin-Hayot/auction-storefront/pkg/utils"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
)

const helpLine = "• tab: switch modes • r: refresh catalog • q: exit\n"

// logBuffer collects log output for the logs view. The logger writes from
// many goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Every(1*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// summary is what the lots view shows besides the table.
type summary struct {
	rows    []table.Row
	total   int64
	items   int
	loading bool
	failure string
}

type summaryMsg summary

// Define the model for the Bubble Tea application
type model struct {
	session   *session.Session
	table     table.Model
	viewport  viewport.Model
	logBuffer *logBuffer
	logs      []string
	summary   summary
	showTable bool
	quitting  bool
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), m.load())
}

func newModel(sess *session.Session, logs *logBuffer) model {
	columns := []table.Column{
		{Title: "LOT ID", Width: 12},
		{Title: "TITLE", Width: 24},
		{Title: "STATUS", Width: 8},
		{Title: "PRICE", Width: 14},
		{Title: "TIME LEFT", Width: 16},
		{Title: "MY BID", Width: 8},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows([]table.Row{}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	vp := viewport.New(100, 15)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return model{session: sess, table: t, showTable: true, viewport: vp, logBuffer: logs}
}

// load reads the current catalog on the session dispatcher.
func (m model) load() tea.Cmd {
	sess := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		var sum summary
		err := sess.Exec(ctx, func(st *auction.State) {
			for _, l := range st.Catalog() {
				mine := "-"
				if l.IsMyBid() {
					mine = utils.FormatNumber(l.LastLocalBid(), " ")
				}
				sum.rows = append(sum.rows, table.Row{
					l.ID,
					l.Title,
					string(l.Status),
					utils.FormatNumber(l.Price, " ") + "₽",
					l.TimeStatus(),
					mine,
				})
			}
			sum.total = st.Total()
			sum.items = len(st.Order().Items)
			sum.loading = st.Loading()
			if f := st.Failure(); f != nil {
				sum.failure = f.Error()
			}
		})
		if err != nil {
			log.Debug("Error reading catalog for display", "error", err)
			return nil
		}
		return summaryMsg(sum)
	}
}

func (m model) refresh() tea.Cmd {
	sess := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := sess.RefreshCatalog(ctx); err != nil {
			log.Error("Error refreshing catalog", "error", err)
		}
		return nil
	}
}

func (m *model) reloadLogs() {
	m.logs = strings.Split(m.logBuffer.String(), "\n")
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)
	switch msg := msg.(type) {
	case tickMsg:
		if !m.showTable {
			// refresh logs to get new logs
			m.reloadLogs()
			return m, tick()
		}
		return m, tea.Batch(tick(), m.load())

	case summaryMsg:
		m.summary = summary(msg)
		m.table.SetRows(m.summary.rows)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up":
			if !m.showTable {
				m.viewport.LineUp(1) // Scroll up one line in logs
			}
		case "down":
			if !m.showTable {
				m.viewport.LineDown(1) // Scroll down one line in logs
			}
		case "r":
			cmds = append(cmds, m.refresh())
		case "tab":
			m.showTable = !m.showTable
			if !m.showTable {
				// Load logs from buffer when switching to logs view
				m.reloadLogs()
			}
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}

	if m.showTable {
		m.table, cmd = m.table.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)
	}
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) status() string {
	line := fmt.Sprintf("basket: %d lots, %s₽", m.summary.items, utils.FormatNumber(m.summary.total, " "))
	if m.summary.loading {
		line += " • loading…"
	}
	if m.summary.failure != "" {
		line += "\n" + failStyle.Render(m.summary.failure)
	}
	return line
}

// Render the view based on the current state of the model
func (m model) View() string {
	if m.quitting {
		return "Bye!\n"
	}
	if m.showTable {
		return baseStyle.Render(m.table.View()) + "\n" + m.status() + "\n" + helpStyle.Render(helpLine)
	}

	// Create a copy of logs to avoid modifying the original
	styledLogs := make([]string, len(m.logs))
	copy(styledLogs, m.logs)

	styledLogs = utils.ColorizeLogs(styledLogs)

	// only show last 15 lines of logs
	if len(styledLogs) > 15 {
		styledLogs = styledLogs[len(styledLogs)-15:]
	}

	m.viewport.SetContent(strings.Join(styledLogs, "\n"))
	return m.viewport.View() + "\n" + helpStyle.Render(helpLine)
}
