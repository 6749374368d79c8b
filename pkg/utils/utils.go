package utils

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var levelColors = []struct {
	level      string
	background string
	foreground string
}{
	{"INFO", "87", "16"},
	{"WARN", "214", "16"},
	{"ERRO", "204", "0"},
	{"DEBU", "63", "0"},
}

func ColorizeLogs(logs []string) []string {

	for i, log := range logs {
		// Only style if not already styled (check for ANSI codes)
		if strings.Contains(log, "\x1b[") {
			continue
		}
		for _, c := range levelColors {
			if !strings.Contains(log, c.level) {
				continue
			}
			logs[i] = strings.Replace(log, c.level,
				lipgloss.NewStyle().
					Padding(0, 1, 0, 1).
					Bold(true).
					MaxWidth(80).
					Background(lipgloss.Color(c.background)).
					Foreground(lipgloss.Color(c.foreground)).
					Render(c.level), 1)
			break
		}
	}
	return logs
}

// FormatNumber groups the digits of n in threes, separated by sep.
func FormatNumber(n int64, sep string) string {
	digits := strconv.FormatInt(n, 10)
	sign := ""
	if strings.HasPrefix(digits, "-") {
		sign, digits = "-", digits[1:]
	}
	if len(digits) <= 3 {
		return sign + digits
	}

	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(digits[i : i+3])
	}
	return sign + b.String()
}
