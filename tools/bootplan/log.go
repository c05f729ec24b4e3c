package main

import (
	"bytes"
	"strings"

	"github.com/AbleOS/sovos/kernel/kfmt"
	"github.com/sirupsen/logrus"
)

// logSink receives kfmt output and logs every complete line. A leading
// "[module]" tag is moved into the module field of the entry.
type logSink struct {
	log  *logrus.Logger
	line []byte
}

func (s *logSink) Write(p []byte) (int, error) {
	s.line = append(s.line, p...)
	for {
		i := bytes.IndexByte(s.line, '\n')
		if i < 0 {
			break
		}
		s.emit(string(s.line[:i]))
		s.line = s.line[i+1:]
	}
	return len(p), nil
}

func (s *logSink) emit(line string) {
	module := "boot"
	if strings.HasPrefix(line, "[") {
		if end := strings.IndexByte(line, ']'); end > 0 {
			module, line = line[1:end], strings.TrimLeft(line[end+1:], " ")
		}
	}
	s.log.WithField("module", module).Info(line)
}

// Flush logs a trailing partial line.
func (s *logSink) Flush() {
	if len(s.line) != 0 {
		s.emit(string(s.line))
		s.line = s.line[:0]
	}
}

// newLogger returns a logger writing to stderr at the given level and
// routes kfmt output into it.
func newLogger(level string) (*logrus.Logger, *logSink, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	sink := &logSink{log: log}
	kfmt.SetOutputSink(sink)
	return log, sink, nil
}
