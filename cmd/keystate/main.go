package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// Commonly used command line flags.
var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "configuration file or directory",
		Value:   "keystate.yaml",
	}
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "keystate",
		Usage:     "TTL-aware keyed state for micro-batch streams",
		Writer:    out,
		ErrWriter: os.Stderr,
		Commands: []*cli.Command{
			commandRun,
			commandCheck,
			commandInspect,
		},
	}
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
