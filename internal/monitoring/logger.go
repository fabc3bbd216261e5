package monitoring

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a set of structured log fields.
type Fields = logrus.Fields

var logger = newLogger(os.Stderr)

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

// Logf is the package-level diagnostic logger. It defaults to the logrus
// logger at info level but may be replaced by SetLogger. Tests or production
// code can redirect or mute it.
var Logf func(format string, v ...interface{}) = logger.Infof

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns the underlying logrus logger.
func Logger() *logrus.Logger { return logger }

// SetOutput redirects the structured logger.
func SetOutput(w io.Writer) { logger.SetOutput(w) }

// SetLevel parses and applies a level name such as "debug" or "warn".
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

// WithFields returns an entry carrying the given structured fields.
func WithFields(fields Fields) *logrus.Entry {
	if fields == nil {
		fields = Fields{}
	}
	return logger.WithFields(fields)
}
