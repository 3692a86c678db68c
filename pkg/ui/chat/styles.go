package chat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// palette names the handful of colors every region is derived from.
type palette struct {
	chrome    lipgloss.Color
	chromeInk lipgloss.Color
	surface   lipgloss.Color
	ink       lipgloss.Color
	muted     lipgloss.Color
	user      lipgloss.Color
	assistant lipgloss.Color
	failure   lipgloss.Color
}

var consolePalette = palette{
	chrome:    lipgloss.Color("24"),
	chromeInk: lipgloss.Color("230"),
	surface:   lipgloss.Color("234"),
	ink:       lipgloss.Color("16"),
	muted:     lipgloss.Color("244"),
	user:      lipgloss.Color("214"),
	assistant: lipgloss.Color("44"),
	failure:   lipgloss.Color("203"),
}

// card is a labelled transcript block: a tab in the accent color sitting on
// top of a bordered body.
type card struct {
	tab  lipgloss.Style
	body lipgloss.Style
}

func newCard(p palette, accent lipgloss.Color, border lipgloss.Border) card {
	return card{
		tab: lipgloss.NewStyle().
			Bold(true).
			Foreground(p.ink).
			Background(accent).
			Padding(0, 1),
		body: lipgloss.NewStyle().
			Border(border).
			BorderForeground(accent).
			Background(p.surface).
			Padding(0, 1),
	}
}

func (c card) render(label, body string, width int) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		c.tab.Render(label),
		c.body.Width(width).Render(strings.TrimSpace(body)),
	)
}

// statsLine renders the footer under an answer, keys dimmed and values in
// the assistant accent.
type statsLine struct {
	key   lipgloss.Style
	value lipgloss.Style
	sep   lipgloss.Style
}

func (s statsLine) render(stats []replyStat) string {
	parts := make([]string, 0, len(stats))
	for _, stat := range stats {
		parts = append(parts, s.key.Render(stat.key+":")+" "+s.value.Render(stat.value))
	}
	return strings.Join(parts, s.sep.Render(" · "))
}

type theme struct {
	title   lipgloss.Style
	meta    lipgloss.Style
	rule    lipgloss.Style
	bootRow lipgloss.Style
	bootOK  lipgloss.Style

	user      card
	assistant card
	failure   card
	stats     statsLine

	transcript lipgloss.Style
	keys       lipgloss.Style
	waiting    lipgloss.Style
	failed     lipgloss.Style
	youLabel   lipgloss.Style
	youHint    lipgloss.Style
	field      lipgloss.Style
}

func newTheme(p palette) theme {
	failure := newCard(p, p.failure, lipgloss.DoubleBorder())
	failure.body = failure.body.Foreground(p.failure)

	return theme{
		title: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(p.chromeInk).
			Background(p.chrome),
		meta:    lipgloss.NewStyle().Foreground(p.chromeInk).Faint(true),
		rule:    lipgloss.NewStyle().Foreground(p.chrome),
		bootRow: lipgloss.NewStyle().Foreground(p.muted),
		bootOK:  lipgloss.NewStyle().Foreground(p.assistant).Bold(true),

		user:      newCard(p, p.user, lipgloss.RoundedBorder()),
		assistant: newCard(p, p.assistant, lipgloss.RoundedBorder()),
		failure:   failure,
		stats: statsLine{
			key:   lipgloss.NewStyle().Foreground(p.muted),
			value: lipgloss.NewStyle().Foreground(p.assistant),
			sep:   lipgloss.NewStyle().Foreground(p.muted).Faint(true),
		},

		transcript: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(p.chrome).
			Padding(0, 1),
		keys:     lipgloss.NewStyle().Foreground(p.muted),
		waiting:  lipgloss.NewStyle().Foreground(p.user).Bold(true),
		failed:   lipgloss.NewStyle().Foreground(p.failure).Bold(true),
		youLabel: lipgloss.NewStyle().Bold(true).Foreground(p.user),
		youHint:  lipgloss.NewStyle().Foreground(p.muted),
		field: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(p.user).
			Padding(0, 1),
	}
}
