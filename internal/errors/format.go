package errors

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

var (
	// Color functions with auto-detection for terminal support.
	// These fall back gracefully when colors are unavailable.
	errorLabel = color.New(color.FgRed, color.Bold).SprintFunc()
	errorMsg   = color.New(color.FgRed).SprintFunc()
	fixLabel   = color.New(color.FgGreen, color.Bold).SprintFunc()
	bullet     = color.New(color.FgGreen).SprintFunc()
	kindFmt    = color.New(color.FgYellow).SprintFunc()
)

// FormatError formats a CoreError for display in the terminal.
// It uses colors when available and falls back to plain text otherwise.
func FormatError(err *CoreError) string {
	if err == nil {
		return ""
	}
	return formatError(err, true)
}

// FormatErrorPlain formats a CoreError without colors.
func FormatErrorPlain(err *CoreError) string {
	if err == nil {
		return ""
	}
	return formatError(err, false)
}

func formatError(err *CoreError, useColors bool) string {
	var sb strings.Builder

	if useColors {
		sb.WriteString(errorLabel("Error"))
		sb.WriteString(" [")
		sb.WriteString(kindFmt(err.Kind.String()))
		sb.WriteString("]: ")
		sb.WriteString(errorMsg(err.Error()))
	} else {
		sb.WriteString("Error [")
		sb.WriteString(err.Kind.String())
		sb.WriteString("]: ")
		sb.WriteString(err.Error())
	}
	sb.WriteString("\n")

	if err.Remediation != "" {
		sb.WriteString("\n")
		if useColors {
			sb.WriteString(fixLabel("To fix this:"))
			sb.WriteString("\n  ")
			sb.WriteString(bullet("•"))
			sb.WriteString(" ")
		} else {
			sb.WriteString("To fix this:\n  • ")
		}
		sb.WriteString(err.Remediation)
		sb.WriteString("\n")
	}

	return sb.String()
}

// PrintError prints a formatted CoreError to stderr.
func PrintError(err *CoreError) {
	FprintError(os.Stderr, err)
}

// FprintError prints a formatted CoreError to the given writer.
func FprintError(w io.Writer, err *CoreError) {
	if err == nil {
		return
	}
	fmt.Fprint(w, FormatError(err))
}

// FormatSimpleError formats a regular error under the given kind.
// Use this when you have a plain error and want structured output.
func FormatSimpleError(err error, kind Kind) string {
	if err == nil {
		return ""
	}
	return FormatError(&CoreError{Kind: kind, Message: err.Error()})
}

// PrintSimpleError prints a formatted regular error to stderr.
func PrintSimpleError(err error, kind Kind) {
	fmt.Fprint(os.Stderr, FormatSimpleError(err, kind))
}
