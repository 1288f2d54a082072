package whatsapp

import (
	"github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type logger struct {
	entry  *logrus.Entry
	module string
}

// NewLogger routes whatsmeow logs through a logrus entry.
func NewLogger(entry *logrus.Entry) waLog.Logger {
	return &logger{entry: entry}
}

func (l *logger) Errorf(msg string, args ...interface{}) { l.entry.Errorf(msg, args...) }
func (l *logger) Warnf(msg string, args ...interface{})  { l.entry.Warnf(msg, args...) }
func (l *logger) Infof(msg string, args ...interface{})  { l.entry.Infof(msg, args...) }
func (l *logger) Debugf(msg string, args ...interface{}) { l.entry.Debugf(msg, args...) }

func (l *logger) Sub(module string) waLog.Logger {
	if l.module != "" {
		module = l.module + "/" + module
	}
	return &logger{entry: l.entry.WithField("module", module), module: module}
}
