package main

import (
	"fmt"
	"io"
	"os"

	"github.com/allensfl/coaching-cockpit/internal/metrics"
	"github.com/allensfl/coaching-cockpit/internal/safety"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// diag receives status lines; stdout is reserved for command results.
var diag io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printMarked(color, mark, format string, args ...any) {
	fmt.Fprintln(diag, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printMarked(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printMarked(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printMarked(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { printMarked(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(diag, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// outcomeColor highlights failures in metrics listings.
func outcomeColor(o metrics.Outcome) string {
	switch o {
	case metrics.OutcomeSuccess, metrics.OutcomeCacheHit:
		return colorGreen
	case metrics.OutcomeValidationError, metrics.OutcomeRateLimited:
		return colorYellow
	default:
		return colorRed
	}
}

func safetyColor(level safety.Level) string {
	if level == safety.LevelCritical {
		return colorRed
	}
	return colorYellow
}
