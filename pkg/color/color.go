// Package color provides terminal styling for pipeguard output.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var state struct {
	mu       sync.Mutex
	once     sync.Once
	disabled bool
}

// Init initializes the color system based on environment and flags.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		state.mu.Lock()
		defer state.mu.Unlock()
		if _, exists := os.LookupEnv("NO_COLOR"); exists {
			state.disabled = true
		}
		if os.Getenv("TERM") == "dumb" {
			state.disabled = true
		}
		if noColorFlag {
			state.disabled = true
		}
	})
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	state.mu.Lock()
	defer state.mu.Unlock()
	return !state.disabled
}

// Disable turns off color output.
func Disable() {
	Init(false)
	state.mu.Lock()
	state.disabled = true
	state.mu.Unlock()
}

// Enable turns on color output.
func Enable() {
	Init(false)
	state.mu.Lock()
	state.disabled = false
	state.mu.Unlock()
}

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
	codeStyle    = lipgloss.NewStyle().Bold(true).Faint(true)
)

func render(style lipgloss.Style, s string) string {
	if !Enabled() {
		return s
	}
	return style.Render(s)
}

// Success formats a success message in green.
func Success(s string) string { return render(successStyle, s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Success(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return render(errorStyle, s) }

// Errorf formats an error message with printf-style arguments.
func Errorf(format string, args ...any) string { return Error(fmt.Sprintf(format, args...)) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return render(warningStyle, s) }

// Warningf formats a warning message with printf-style arguments.
func Warningf(format string, args ...any) string { return Warning(fmt.Sprintf(format, args...)) }

// Info formats an informational message in cyan.
func Info(s string) string { return render(infoStyle, s) }

// Header formats a header in bold.
func Header(s string) string { return render(headerStyle, s) }

// Dim formats secondary information.
func Dim(s string) string { return render(dimStyle, s) }

// Code formats command strings.
func Code(s string) string { return render(codeStyle, s) }

// Status colors a state word: healthy states green, failing states red, in-between yellow.
func Status(s string) string {
	switch s {
	case "unlocked", "closed", "ok", "healthy", "valid", "normal":
		return Success(s)
	case "stale", "open", "critical", "invalid", "degraded":
		return Error(s)
	case "locked", "half-open", "warning":
		return Warning(s)
	}
	return s
}

// cellStyle pads every cell. Without an explicit style lipgloss sizes each
// column one cell short and clips the last character.
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// Table renders rows under a header with a rounded border.
func Table(headers []string, rows [][]string) string {
	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = Header(h)
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(styled...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			return cellStyle
		})
	return t.String()
}
