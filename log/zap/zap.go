// Package zap adapts a go.uber.org/zap.Logger to nwloader.Logger.
package zap

import (
	"go.uber.org/zap"

	nwloader "github.com/longbill/nw-loader"
)

type Logger struct{ L *zap.Logger }

var _ nwloader.Logger = Logger{}

func (z Logger) Debug(msg string, f nwloader.Fields) { z.L.Debug(msg, zf(f)...) }
func (z Logger) Info(msg string, f nwloader.Fields)  { z.L.Info(msg, zf(f)...) }
func (z Logger) Warn(msg string, f nwloader.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z Logger) Error(msg string, f nwloader.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f nwloader.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
