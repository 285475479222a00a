package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/caliper/internal/logger"
)

var (
	logLevel  string
	logFormat string
)

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json)",
			Value:       "auto",
			Destination: &logFormat,
		},
	}
}

// buildLogger picks the log sink from the flags: JSON for machine
// consumption, pretty for interactive terminals, plain text otherwise.
func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "pretty":
		return logger.Pretty(os.Stderr, level)
	default:
		if isTerminal(os.Stderr.Fd()) {
			return logger.Pretty(os.Stderr, level)
		}
		return logger.JSON(os.Stderr, level)
	}
}
