// Package logging sets up the structured, leveled logging a PersistApp
// writes for its lifetime, grounded on the rotating-file pattern BeadsLog's
// daemon keeps for its own long-lived process log.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating log file a PersistApp writes to.
type Options struct {
	// Root is the PersistApp root directory; the log file is written to
	// <root>/persist.log.
	Root string
	// Level is the minimum level recorded; defaults to slog.LevelInfo.
	Level slog.Level
	// MaxSizeMB is the size at which the log file rotates; defaults to 50.
	MaxSizeMB int
	// MaxBackups bounds how many rotated files are retained; defaults to 5.
	MaxBackups int
	// MaxAgeDays bounds how long rotated files are retained; defaults to 28.
	MaxAgeDays int
	// AlsoStderr additionally mirrors log records to stderr, useful for a
	// foreground CLI invocation.
	AlsoStderr bool
}

func (o Options) withDefaults() Options {
	if o.MaxSizeMB == 0 {
		o.MaxSizeMB = 50
	}
	if o.MaxBackups == 0 {
		o.MaxBackups = 5
	}
	if o.MaxAgeDays == 0 {
		o.MaxAgeDays = 28
	}
	return o
}

// New builds a slog.Logger that writes JSON records to a rotating file
// under opts.Root, optionally mirrored to stderr.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	opts = opts.withDefaults()

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Root, "persist.log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	var w io.Writer = rotator
	if opts.AlsoStderr {
		w = io.MultiWriter(rotator, os.Stderr)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	return slog.New(handler), rotator, nil
}
