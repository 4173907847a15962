package statesync

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// Logger is the logging interface used by Primary and Replica.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// GlogLogger writes through glog. Debug lines are emitted at verbosity 2.
type GlogLogger struct{}

var _ Logger = GlogLogger{}

// Debug implements Logger.
func (GlogLogger) Debug(msg string, args ...any) {
	if glog.V(2) {
		glog.InfoDepth(1, format(msg, args))
	}
}

// Info implements Logger.
func (GlogLogger) Info(msg string, args ...any) {
	glog.InfoDepth(1, format(msg, args))
}

// Error implements Logger.
func (GlogLogger) Error(msg string, args ...any) {
	glog.ErrorDepth(1, format(msg, args))
}

// format renders key/value pairs after the message, slog style.
func format(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(args) {
			fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, "!BADKEY=%v", args[i])
		}
	}
	return b.String()
}
