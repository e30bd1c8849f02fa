package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aurelian-labs/aurelius/pkg/server"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host string `help:"Bind address. Overrides config." default:""`
	Port int    `help:"Listen port. Overrides config." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer rt.Close()

	host := rt.cfg.Server.Host
	if c.Host != "" {
		host = c.Host
	}
	port := rt.cfg.Server.Port
	if c.Port != 0 {
		port = c.Port
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	srv, err := server.New(rt.orchestrator, rt.store, rt.validator, rt.metrics, rt.logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx, addr)
}
