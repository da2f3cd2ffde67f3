package reportstore

import (
	"encoding/json"
	"log"
	"time"
)

// Logger is a simple structured logger interface.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// StdLogger implements Logger using the standard log package with JSON
// output, tagging every line with the owning component.
type StdLogger struct {
	component string
}

// NewStdLogger creates a logger whose lines carry the given component tag.
func NewStdLogger(component string) *StdLogger {
	return &StdLogger{component: component}
}

func (l *StdLogger) Info(msg string, fields map[string]interface{}) {
	l.emit("info", msg, fields)
}

func (l *StdLogger) Error(msg string, fields map[string]interface{}) {
	l.emit("error", msg, fields)
}

// emit copies the caller's fields so shared maps are never mutated.
func (l *StdLogger) emit(level, msg string, fields map[string]interface{}) {
	out := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		out[k] = v
	}
	out["level"] = level
	out["msg"] = msg
	out["ts"] = time.Now().Format(time.RFC3339)
	if l.component != "" {
		out["component"] = l.component
	}
	b, _ := json.Marshal(out)
	log.Println(string(b))
}
