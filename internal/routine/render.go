package routine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	failTagStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	causeStyle   = lipgloss.NewStyle().Faint(true)
)

// Render writes an error in the consistent two-field form the CLI uses
// everywhere. Styling is dropped when w is not a terminal.
func Render(w io.Writer, err error) {
	if err == nil {
		return
	}
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}

	var failure *Failure
	if !errors.As(err, &failure) {
		failure = &Failure{Action: "Error", Details: err.Error()}
	}

	if styled {
		fmt.Fprintf(w, "%s %s\n", failTagStyle.Render("["+failure.Action+"]"), detailStyle.Render(failure.Details))
		if failure.Cause != nil {
			fmt.Fprintf(w, "  %s\n", causeStyle.Render("caused by: "+failure.Cause.Error()))
		}
		return
	}

	fmt.Fprintf(w, "[%s] %s\n", failure.Action, failure.Details)
	if failure.Cause != nil {
		fmt.Fprintf(w, "  caused by: %v\n", failure.Cause)
	}
}
