package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger used by the CLI entrypoints.
var Log *logrus.Logger = logrus.New()

// Options controls how a logger renders its output.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// InitLogger replaces Log with a logger configured for debug or production use.
func InitLogger(debug bool) {
	if debug {
		Log = New(Options{Level: "debug"})
		return
	}
	Log = New(Options{Level: "info", JSON: true})
}

// New builds a standalone logger. Unknown levels fall back to info.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stdout
	if opts.Output != nil {
		l.Out = opts.Output
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return l
}

// Discard returns a logger that drops everything. Handy for tests.
func Discard() *logrus.Logger {
	return New(Options{Level: "panic", Output: io.Discard})
}
