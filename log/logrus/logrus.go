// Package logrus adapts a github.com/sirupsen/logrus.Entry to nwloader.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	nwloader "github.com/longbill/nw-loader"
)

type Logger struct{ E *logrus.Entry }

var _ nwloader.Logger = Logger{}

func (l Logger) Debug(msg string, f nwloader.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f nwloader.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f nwloader.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f nwloader.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
