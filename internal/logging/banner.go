package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`  _____     _    _   _       _     `,
	` |_   _|_ _| |__| | | |_   _| |__  `,
	`   | |/ _` + "`" + ` | '_ \ |_| | | | | '_ \ `,
	`   | | (_| | |_) |  _  | |_| | |_) |`,
	`   |_|\__,_|_.__/|_| |_|\__,_|_.__/ `,
	`                                    `,
}

// PrintBanner prints the TabHub ASCII art logo with version and bind
// port below. Colors are used only when stderr is a TTY.
func PrintBanner(ver string, port int) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %sport%s %d\n\n",
			dim, reset, ver, dim, reset, port)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   port %d\n\n", ver, port)
	}
}
