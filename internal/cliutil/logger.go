package cliutil

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Log formats accepted by NewLogger.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// NewLogger builds the diagnostic logger. The auto format selects text when
// out is a terminal and JSON otherwise.
func NewLogger(out io.Writer, format, level string) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch ResolveFormat(out, format) {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "ts",
				logrus.FieldKeyMsg:   "msg",
				logrus.FieldKeyLevel: "level",
			},
		})
	case FormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
			ForceColors:     isTerminal(out),
		})
	default:
		return nil, fmt.Errorf("log format: unsupported %q", format)
	}
	return logger, nil
}

// ResolveFormat turns "auto" (or empty) into a concrete format for out.
func ResolveFormat(out io.Writer, format string) string {
	if format != "" && format != FormatAuto {
		return format
	}
	if isTerminal(out) {
		return FormatText
	}
	return FormatJSON
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
