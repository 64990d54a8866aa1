package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptResult contains the result of a user prompt interaction.
type PromptResult struct {
	// Accepted is true if the user accepted the prompt (typed "y" or "yes")
	Accepted bool
	// Cancelled is true if reading input failed (e.g., Ctrl+C)
	Cancelled bool
}

// ConfirmDestructive prompts before a destructive bulk run against a
// production environment. It returns immediately with Accepted=false in
// non-interactive (non-TTY) environments so scripted runs must pass
// --force explicitly.
//
// The prompt defaults to "No" when the user presses Enter without input.
// Valid inputs: "y", "yes" (any case) for acceptance; anything else declines.
func ConfirmDestructive(writer io.Writer, reader io.Reader, operation, environment string, count int) PromptResult {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return PromptResult{Accepted: false}
	}

	fmt.Fprintf(writer, "\nWarning: about to run %s against %d users in %q.\n",
		operation, count, environment)
	fmt.Fprint(writer, "? This cannot be undone. Continue? [y/N] ")

	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if scanner.Err() != nil {
			return PromptResult{Cancelled: true}
		}
		// EOF without error - treat as decline (user pressed Ctrl+D)
		return PromptResult{Accepted: false}
	}

	input := strings.TrimSpace(scanner.Text())
	if input == "" {
		return PromptResult{Accepted: false}
	}

	switch strings.ToLower(input) {
	case "y", "yes":
		return PromptResult{Accepted: true}
	default:
		return PromptResult{Accepted: false}
	}
}
