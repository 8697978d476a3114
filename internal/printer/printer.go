// Package printer is workorderctl's terminal output layer: colorized
// success/error/info lines plus a structured error renderer that surfaces
// an *engine.Error's Kind and Issues the way an operator needs to act on
// them, instead of a bare Go error string.
//
// Grounded on the teacher's internal/printer (color-coded Success/Info/
// Warning/Error helpers built on fatih/color), generalized from its
// fixed title/explanation/suggestions shape into one that also prints a
// classified error's Kind and validation issues.
package printer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/orderforge/workorder/internal/engine"
)

func init() {
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a success message in green with a checkmark prefix.
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Printf("✓ %s\n", msg)
	} else {
		green.Println(msg)
	}
}

// Info prints an informational message in the default color.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a warning message in yellow.
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	yellow.Printf("⚠ %s\n", msg)
}

// Step prints a step heading, used between phases of a multi-step command.
func Step(format string, a ...any) {
	cyan.Printf("→ %s\n", fmt.Sprintf(format, a...))
}

// JSON pretty-prints v to stdout.
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// EngineError renders an *engine.Error to stderr with its Kind and any
// validation Issues, then returns a plain error for Cobra to propagate as
// the process exit status — Cobra's own error line is silenced by the root
// command (SilenceErrors/SilenceUsage), so this is the only rendering an
// operator sees.
func EngineError(err error) error {
	var classified *engine.Error
	if e, ok := err.(*engine.Error); ok {
		classified = e
	}
	if classified == nil {
		red.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}

	red.Fprintf(os.Stderr, "%s: %s\n", classified.Kind, classified.Message)
	for _, issue := range classified.Issues {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", issue.Path, issue.Message)
	}
	return fmt.Errorf("%s", classified.Kind)
}
