package tools

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/modfin/henry/mapz"
	"github.com/sirupsen/logrus"
)

// NewLogger creates the root logger every component logger is cloned from.
func NewLogger(level string, json bool) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("could not parse log level %q: %w", level, err)
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)
	if json {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l, nil
}

// DiscardLogger is a root logger for tests
func DiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func LoggerCloner(l *logrus.Logger) *Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logger{
		def: l,
	}
}

type Logger struct {
	def *logrus.Logger
}

// New returns a logger sharing output, formatter and level with the root logger,
// tagging every entry with who=name.
func (l *Logger) New(name string) *logrus.Logger {
	if l == nil {
		return LoggerCloner(nil).New(name)
	}

	hooks := mapz.Clone(l.def.Hooks)
	for lvl, hs := range hooks {
		hooks[lvl] = slices.Clip(hs) // appending must not write into the root's backing array
	}

	ll := &logrus.Logger{
		Out:          l.def.Out,
		Formatter:    l.def.Formatter,
		Hooks:        hooks,
		Level:        l.def.GetLevel(),
		ExitFunc:     l.def.ExitFunc,
		ReportCaller: l.def.ReportCaller,
	}

	ll.AddHook(LoggerWho{Name: name})
	return ll
}

type LoggerWho struct {
	Name string
}

func (w LoggerWho) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (w LoggerWho) Fire(entry *logrus.Entry) error {
	entry.Data["who"] = w.Name
	return nil
}
