// Command teststandd runs the test-stand core: the device acceptor,
// discovery emitter, registry/dispatcher, event bus, and the read-only
// operator relay.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/qretprop/teststand/internal/config"
	"github.com/qretprop/teststand/internal/teststand"
)

var opt struct {
	Help       bool
	ConfigPath string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVarP(&opt.ConfigPath, "config", "c", "", "Path to config.yaml (default: $PROP_CONFIG or ./config.yaml)")
}

func main() {
	pflag.Parse()

	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(2)
	}

	path := opt.ConfigPath
	if path == "" {
		path = config.Path()
	}

	c, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}

	logger := configureLogging(c)

	s, err := teststand.New(c, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}
	s.NotifySocket = os.Getenv("NOTIFY_SOCKET")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGUSR1)
	go func() {
		for range hch {
			logger.Warn().Msg("received SIGUSR1, broadcasting ESTOP to all devices")
			for _, e := range s.EstopAll() {
				logger.Error().Err(e).Msg("estop broadcast failed for a device")
			}
		}
	}()

	if err := s.Run(ctx); err != nil {
		logger.Err(err).Msg("server exited with an error")
		os.Exit(1)
	}
}

func configureLogging(c *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Core.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if c.Core.LogFile != "" {
		f, err := os.OpenFile(c.Core.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: open log file %q: %v\n", c.Core.LogFile, err)
		} else {
			outputs = append(outputs, f)
		}
	}

	return zerolog.New(zerolog.MultiLevelWriter(outputs...)).Level(level).With().Timestamp().Logger()
}
