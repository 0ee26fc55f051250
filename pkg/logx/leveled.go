package logx

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Leveled adapts a Logger to the key/value style used by HTTP client
// libraries (retryablehttp.LeveledLogger). Client chatter is logged one level
// lower than requested so retries stay out of info logs.
type Leveled struct{ L Logger }

func (l Leveled) Error(msg string, kv ...any) { l.L.Warn(msg, kvFields(kv)...) }
func (l Leveled) Warn(msg string, kv ...any)  { l.L.Info(msg, kvFields(kv)...) }
func (l Leveled) Info(msg string, kv ...any)  { l.L.Debug(msg, kvFields(kv)...) }
func (l Leveled) Debug(msg string, kv ...any) { l.L.Trace(msg, kvFields(kv)...) }

func kvFields(kv []any) []Field {
	out := make([]Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		if err, ok := kv[i+1].(error); ok {
			out = append(out, func(e *zerolog.Event) { e.AnErr(k, err) })
			continue
		}
		out = append(out, Any(k, kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, Any("extra", kv[len(kv)-1]))
	}
	return out
}
