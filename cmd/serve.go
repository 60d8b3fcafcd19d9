package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"sonar-relay/internal/config"
	"sonar-relay/internal/server"
	"sonar-relay/internal/upstream"
)

const serveUsage = `Usage:
  sonar-relay serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration

The upstream credential is read from the ` + config.EnvAPIKey + ` environment
variable (a .env file in the working directory is honored).`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	client, err := upstream.New(cfg.Upstream)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, client)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
