package main

import (
	"fmt"
	"os"
)

// ANSI escapes for terminal feedback. Everything here writes to stderr;
// stdout is reserved for machine-readable output like raw task results.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBold   = "\033[1m"
)

func paint(code, text string) string {
	if noColor {
		return text
	}
	return code + text + ansiReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", paint(ansiGreen, "✓"), fmt.Sprintf(format, args...))
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", paint(ansiRed, "✗"), fmt.Sprintf(format, args...))
}

func printWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", paint(ansiYellow, "⚠"), fmt.Sprintf(format, args...))
}

// printStatus renders one "Label: value" line of the status report.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", paint(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
