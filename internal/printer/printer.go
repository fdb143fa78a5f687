// Package printer formats CLI output with colors.
package printer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"trellosync/internal/model"
	"trellosync/internal/reconcile"
)

func init() {
	// NO_COLOR disables colors; otherwise they are forced even without a TTY
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
	faint  = color.New(color.Faint)
)

// Success prints a message in green with a checkmark prefix.
func Success(w io.Writer, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(w, msg)
}

// Warning prints a message in yellow with a warning prefix.
func Warning(w io.Writer, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(w, msg)
}

func Step(w io.Writer, format string, a ...any) {
	cyan.Fprintf(w, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints title, explanation and suggestions to stderr and returns an
// error carrying only the title, for Cobra's SilenceErrors mode.
func Error(title string, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	fmt.Fprintf(os.Stderr, "%s\n", explanation)
	if len(suggestions) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(os.Stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}
	return fmt.Errorf("%s", title)
}

// Board renders a board as an indented tree of lists and cards.
func Board(w io.Writer, v model.BoardWithDetails) {
	bold.Fprintf(w, "%s", v.Title)
	faint.Fprintf(w, "  (%s)", v.ID)
	if v.IsArchived {
		yellow.Fprint(w, "  archived")
	}
	fmt.Fprintln(w)
	if len(v.Lists) == 0 {
		faint.Fprintln(w, "  no lists")
		return
	}
	for _, l := range v.Lists {
		cyan.Fprintf(w, "  %s", l.Title)
		faint.Fprintf(w, "  [%s] %d cards\n", l.Position, len(l.Cards))
		for _, c := range l.Cards {
			fmt.Fprintf(w, "    • %s", c.Title)
			if c.DueDate != nil {
				faint.Fprintf(w, "  due %s", c.DueDate.Format("2006-01-02"))
			}
			faint.Fprintf(w, "  [%s]\n", c.Position)
		}
	}
}

// Advisory prints one client advisory on a single line.
func Advisory(w io.Writer, a reconcile.Advisory) {
	line := fmt.Sprintf("%s %s/%s", a.Kind, a.Table, a.ID)
	if a.Err != nil {
		line += ": " + a.Err.Error()
	}
	switch a.Kind {
	case reconcile.AdvisoryWriteFailed:
		red.Fprintln(w, line)
	case reconcile.AdvisoryRebalanced:
		faint.Fprintln(w, line)
	default:
		yellow.Fprintln(w, line)
	}
}
