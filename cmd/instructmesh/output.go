package main

import (
	"fmt"
	"os"
)

// ANSI colors for CLI feedback. Worker probes and long-running jobs report
// through these so progress stays readable next to slog output on stderr.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func paint(color, text string) string {
	if noColor {
		return text
	}
	return color + text + ansiReset
}

func emit(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, paint(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { emit(ansiGreen, "✓", format, args...) }
func printError(format string, args ...any)   { emit(ansiRed, "✗", format, args...) }
func printWarning(format string, args ...any) { emit(ansiYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { emit(ansiCyan, "→", format, args...) }

// printStatus renders one "Label: value" line of the status report.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", paint(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
