package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

// ImportCmd loads reference texts into the wisdom collections.
type ImportCmd struct {
	Path       string `arg:"" optional:"" help:"Text file or directory to import." type:"path"`
	Collection string `help:"Target collection." default:"stoic_wisdom"`
	Author     string `help:"Author recorded on every chunk."`
	Work       string `help:"Work title recorded on every chunk."`
	Seed       bool   `help:"Load the built-in Stoic highlights instead of reading files."`
	NoTag      bool   `help:"Skip LLM concept tagging."`
}

func (c *ImportCmd) Run(cli *CLI) error {
	if !c.Seed && c.Path == "" {
		return fmt.Errorf("a path is required unless --seed is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	tag := !c.NoTag
	if c.Seed {
		n, err := rt.pipeline.SeedHighlights(ctx, tag)
		if err != nil {
			return err
		}
		fmt.Printf("seeded %d passages into %s\n", n, schemas.CollectionStoicWisdom)
		return nil
	}

	info, err := os.Stat(c.Path)
	if err != nil {
		return err
	}

	var n int
	if info.IsDir() {
		n, err = rt.pipeline.IngestDirectory(ctx, c.Path, c.Collection, c.Author, c.Work, tag)
	} else {
		n, err = rt.pipeline.IngestFile(ctx, c.Path, c.Collection, c.Author, c.Work, tag)
	}
	if err != nil {
		return err
	}
	fmt.Printf("imported %d chunks into %s\n", n, c.Collection)
	return nil
}
