package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/internal/admin"
	"github.com/timzifer/keystate/processor"
)

var (
	inputFlag = &cli.StringFlag{
		Name:  "input",
		Usage: "tab separated record file, - for stdin",
		Value: "-",
	}
	exitOnEOFFlag = &cli.BoolFlag{
		Name:  "exit-on-eof",
		Usage: "stop once the input is exhausted and committed",
	}
	adminListenFlag = &cli.StringFlag{
		Name:  "admin-listen",
		Usage: "admin HTTP listen address, enables the admin server",
	}
)

var commandRun = &cli.Command{
	Name:  "run",
	Usage: "process records from a file or stdin",
	Description: `
Reads "key<TAB>value[<TAB>event time]" lines and feeds them through the
configured slots in micro-batches until interrupted.`,
	Flags: []cli.Flag{
		configFlag,
		inputFlag,
		exitOnEOFFlag,
		adminListenFlag,
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	path := c.String(configFlag.Name)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if listen := c.String(adminListenFlag.Name); listen != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Listen = listen
	}

	input, closeInput, err := openInput(c.String(inputFlag.Name))
	if err != nil {
		return err
	}
	defer closeInput()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []processor.Option{
		processor.WithConfig(cfg),
		processor.WithConfigPath(path, nil),
		processor.WithSource(processor.NewLineSource(input, log.Logger)),
	}
	if c.Bool(exitOnEOFFlag.Name) {
		opts = append(opts, processor.WithExitOnDrain())
	}
	proc, err := processor.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer proc.Close()

	if cfg.Admin.Enabled {
		srv := admin.NewServer(proc, nil, log.Logger)
		if err := srv.Start(cfg.Admin.Listen); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("admin server shutdown")
			}
		}()
	}

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
