package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kilnml/kiln/internal/logger"
)

var (
	logLevel  string
	logFormat string
	debug     bool
	devices   int64
	streams   int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "devices",
			Usage:       "number of simulated devices",
			Value:       1,
			Destination: &devices,
		},
		&cli.Int64Flag{
			Name:        "streams",
			Usage:       "command streams per device",
			Value:       8,
			Destination: &streams,
		},
	}
}

func buildLogger() logger.Logger {
	level := logLevel
	if debug {
		level = "debug"
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, logger.ParseLevel(level))
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logger.ParseLevel(level)}))
	default:
		return logger.Pretty(os.Stderr, logger.ParseLevel(level))
	}
}
