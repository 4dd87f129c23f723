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
	`  _  ___      _           _  ___ _   `,
	` | |/ (_)_ __(_)_ __ ___ | |/ (_) |_ `,
	` | ' /| | '__| | '_ ` + "`" + ` _ \| ' /| | __|`,
	` | . \| | |  | | | | | | | . \| | |_ `,
	` |_|\_\_|_|  |_|_| |_| |_|_|\_\_|\__|`,
	`                                     `,
}

// PrintBanner prints the KirimKit ASCII art logo with version and the
// metrics listen address below. Colors are used only when stderr is a TTY.
func PrintBanner(ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %smetrics%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   metrics %s\n\n", ver, addr)
	}
}
