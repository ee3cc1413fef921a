package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/onboard-sync/internal/config"
)

// logFileMaxSizeMB bounds a single log file before rotation.
const logFileMaxSizeMB = 20

// logDefaultFile selects the data-directory log path.
const logDefaultFile = "default"

// buildLogger creates the process logger. The config file provides the
// baseline level; --verbose and --quiet override it. log_format "auto" picks
// text on a terminal and JSON otherwise. A log_file sends output to a
// rotating file instead of stderr. The returned func closes that file.
func buildLogger(cfg *config.Resolved, flags *CLIFlags, stderr *os.File) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	format := "auto"
	logFile := ""
	retention := 0

	if cfg != nil {
		level = parseLevel(cfg.Logging.LogLevel)
		format = cfg.Logging.LogFormat
		logFile = cfg.Logging.LogFile
		retention = cfg.Logging.LogRetentionDays
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	var (
		w       io.Writer = stderr
		closeFn           = func() error { return nil }
		tty               = isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd())
	)

	if logFile != "" {
		if logFile == logDefaultFile {
			logFile = config.DefaultLogPath()
		}

		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}

		rotator := &lumberjack.Logger{
			Filename: logFile,
			MaxSize:  logFileMaxSizeMB,
			MaxAge:   retention,
			Compress: true,
		}

		w = rotator
		closeFn = rotator.Close
		tty = false
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" || (format == "auto" && !tty) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
