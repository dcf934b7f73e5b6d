package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/riordanpawley/azedarach/internal/errors"
)

func printStatus(w io.Writer, symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	_, _ = c.Fprint(w, symbol)
	_, _ = fmt.Fprintf(w, " %s\n", message)
}

func printSuccess(w io.Writer, format string, args ...any) {
	printStatus(w, "✓", fmt.Sprintf(format, args...), color.FgGreen)
}

func printWarning(w io.Writer, format string, args ...any) {
	printStatus(w, "⚠", fmt.Sprintf(format, args...), color.FgYellow)
}

// PrintFailure writes the short, task-scoped message for err.
func PrintFailure(w io.Writer, err error) {
	var conflict *errors.GitConflictError
	if errors.As(err, &conflict) && conflict.Delegated {
		printWarning(w, "%s", errors.UserMessage(err))
		return
	}
	printStatus(w, "✗", errors.UserMessage(err), color.FgRed)
}
