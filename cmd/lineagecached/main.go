// Command lineagecached is a small demo/ops CLI that wires a
// MetadataStore backend to a cache.LineageCache, drives it through a
// scripted sequence of operations, and prints the debug dump named in
// spec.md §6.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/rayforge/lineagecache/internal/xlog"
)

func main() {
	app := &cli.App{
		Name:  "lineagecached",
		Usage: "drive a LineageCache through a scripted operation sequence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML node config (defaults built in if omitted)",
			},
			&cli.StringFlag{
				Name:  "script",
				Usage: "path to a script file; '-' or omitted reads stdin",
				Value: "-",
			},
			&cli.BoolFlag{
				Name:  "plain",
				Usage: "force plain (non-table) dump output",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		xlog.Default().Error("lineagecached: fatal", "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
