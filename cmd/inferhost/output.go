package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/inferhost/internal/install"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// statusOut receives status lines. Command results go to stdout.
var statusOut io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printMark(color, mark, format string, args []any) {
	fmt.Fprintln(statusOut, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printMark(colorGreen, "✓", format, args) }
func printError(format string, args ...any) { printMark(colorRed, "✗", format, args) }
func printWarning(format string, args ...any) { printMark(colorYellow, "⚠", format, args) }
func printStep(format string, args ...any) { printMark(colorCyan, "→", format, args) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(statusOut, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// progressPrinter redraws a single percentage line on w. Repeated
// percentages are dropped.
func progressPrinter(w io.Writer) install.ProgressFunc {
	last := -1
	return func(percent int, message string) {
		if percent == last {
			return
		}
		last = percent
		fmt.Fprintf(w, "\r  %3d%% %s", percent, message)
		if percent >= 100 {
			fmt.Fprintln(w)
		}
	}
}
