// webserv serves the virtual hosts described by a configuration file.
//
//	webserv [-log-level info] [-workers N] <config>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/s00inx/webserv/internal/config"
	"github.com/s00inx/webserv/server"
)

var (
	logLevel = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error).")
	workers  = flag.Int("workers", 0, "CGI worker count (0 means one per CPU).")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <config>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webserv: %v\n", err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()

	srvs, err := config.Load(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "webserv: %v\n", err)
		os.Exit(1)
	}
	for _, s := range srvs {
		log.Info().
			Str("host", s.Host).
			Ints("ports", s.Ports).
			Str("server_name", s.ServerName).
			Str("root", s.Root).
			Int("locations", len(s.Locations)).
			Msg("virtual host")
	}

	srv, err := server.New(srvs, log, *workers)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("run")
		os.Exit(1)
	}
}
