package observability

import (
	"log"

	"github.com/google/uuid"
)

// Level orders the handful of severities fanoutctl's --log-level flag
// accepts. There is no structured logger behind it, just a threshold on
// top of the stdlib logger's Printf calls.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config/CLI level string to a Level, defaulting to
// LevelInfo for an empty or unrecognized string.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var minLevel = LevelInfo

// SetLevel sets the process-wide logging threshold; calls below it are
// dropped before they reach the stdlib logger.
func SetLevel(l Level) { minLevel = l }

// Enabled reports whether a log line at the given level should be
// emitted under the current threshold.
func Enabled(l Level) bool { return l >= minLevel }

// CallID is a per-call correlation ID threaded through every log line an
// Executor emits for one Execute invocation, so a multi-connection call's
// log lines can be grepped back together.
type CallID string

// NewCallID mints a fresh correlation ID.
func NewCallID() CallID {
	return CallID(uuid.NewString())
}

// LogCallStart logs the start of a call.
func LogCallStart(id CallID, cluster, function string, nargs int) {
	if minLevel > LevelInfo {
		return
	}
	log.Printf("call start call_id=%s cluster=%s function=%s args=%d", id, cluster, function, nargs)
}

// LogCallEnd logs a call's successful completion.
func LogCallEnd(id CallID, cluster, function string, connections, rows int) {
	if minLevel > LevelInfo {
		return
	}
	log.Printf("call end call_id=%s cluster=%s function=%s connections=%d rows=%d", id, cluster, function, connections, rows)
}

// LogCallError logs a call's failure, tagged with the engine's error kind
// (spec.md §7) so logs can be filtered by failure class.
func LogCallError(id CallID, cluster, function, kind string, err error) {
	log.Printf("call failed call_id=%s cluster=%s function=%s kind=%s error=%v", id, cluster, function, kind, err)
}
