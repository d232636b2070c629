package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/devbridge/internal/config"
	"github.com/basket/devbridge/internal/tui"
)

type attachOptions struct {
	url   string
	token string
}

func parseAttachArgs(args []string, stderr io.Writer) (attachOptions, error) {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts attachOptions
	fs.StringVar(&opts.url, "url", "", "WebSocket URL (default: ws://<bind_addr>/ws)")
	fs.StringVar(&opts.token, "token", "", "auth token (default: DEVBRIDGE_AUTH_TOKEN or <home>/auth.token)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 0 {
		return opts, fmt.Errorf("usage: devbridge attach [-url U] [-token T]")
	}
	return opts, nil
}

// resolveAttachTarget fills in the URL and token from config when the
// flags leave them empty.
func resolveAttachTarget(opts attachOptions, cfg config.Config) (attachOptions, error) {
	if opts.url == "" {
		opts.url = baseURL("ws", cfg.BindAddr) + "/ws"
	}
	if opts.token == "" && cfg.AuthTokenRequired {
		tok, err := config.LoadAuthToken(cfg.HomeDir)
		if err != nil {
			return opts, err
		}
		opts.token = tok
	}
	return opts, nil
}

func runAttachCommand(ctx context.Context, args []string) int {
	opts, err := parseAttachArgs(args, os.Stderr)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
		}
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	opts, err = resolveAttachTarget(opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth token: %v\n", err)
		return 1
	}
	if err := tui.RunAttach(ctx, opts.url, opts.token); err != nil {
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		return 1
	}
	return 0
}
