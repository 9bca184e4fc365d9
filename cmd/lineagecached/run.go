package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/rayforge/lineagecache/cache"
	"github.com/rayforge/lineagecache/gcs"
	"github.com/rayforge/lineagecache/gcs/memstore"
	"github.com/rayforge/lineagecache/gcs/pebblestore"
	"github.com/rayforge/lineagecache/internal/config"
	"github.com/rayforge/lineagecache/internal/xlog"
	"github.com/rayforge/lineagecache/task"
)

func run(c *cli.Context) error {
	cfg := config.DefaultConfig()
	if p := c.String("config"); p != "" {
		loaded, err := config.Load(p)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	selfNode := task.NewRandomNodeId()
	lc := cache.New(selfNode, store, cfg.MaxLineageSize, cache.WithLogger(xlog.Default()))

	scriptPath := c.String("script")
	in := os.Stdin
	if scriptPath != "" && scriptPath != "-" {
		f, err := os.Open(scriptPath)
		if err != nil {
			return fmt.Errorf("lineagecached: open script %s: %w", scriptPath, err)
		}
		defer f.Close()
		in = f
	}

	tableStyle := !c.Bool("plain") && isatty.IsTerminal(os.Stdout.Fd())
	return runScript(newSession(lc), in, os.Stdout, tableStyle)
}

// openStore builds the MetadataStore backend named by cfg.Store.Backend
// and returns a close func that must be called when the CLI exits.
func openStore(cfg config.Config) (gcs.MetadataStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPebble:
		st, err := pebblestore.Open(cfg.Store.Pebble.Path, cfg.Store.Pebble.PoolSize)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		poolSize := 4
		st := memstore.New(poolSize)
		return st, st.Close, nil
	}
}
