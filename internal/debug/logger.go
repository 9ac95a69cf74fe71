// Package debug is a structured JSONL debug logger, one file per event
// category per session. Adapted from the teacher's lib/debug/debug_logger.go,
// recategorized from acexy's proxy-side categories (requests, disconnects)
// to the orchestrator's own lifecycle categories (provisioning, streams,
// vpn, health).
package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes structured JSONL debug events when enabled; a no-op
// otherwise so callers don't need to guard every call site.
type Logger struct {
	enabled      bool
	logDir       string
	sessionID    string
	sessionStart time.Time
	mu           sync.Mutex
}

func New(enabled bool, logDir string) *Logger {
	l := &Logger{
		enabled:      enabled,
		logDir:       logDir,
		sessionStart: time.Now(),
		sessionID:    time.Now().Format("20060102_150405"),
	}
	if enabled {
		_ = os.MkdirAll(logDir, 0755)
		l.write("session", map[string]interface{}{"event": "session_start"})
	}
	return l
}

func (l *Logger) write(category string, data map[string]interface{}) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := map[string]interface{}{
		"session_id":      l.sessionID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"elapsed_seconds": time.Since(l.sessionStart).Seconds(),
	}
	for k, v := range data {
		entry[k] = v
	}

	filename := filepath.Join(l.logDir, fmt.Sprintf("%s_%s.jsonl", l.sessionID, category))
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_ = json.NewEncoder(f).Encode(entry)
}

// LogProvisioning records one provisioning attempt.
func (l *Logger) LogProvisioning(class string, duration time.Duration, success bool, errMsg string) {
	l.write("provisioning", map[string]interface{}{
		"class":       class,
		"duration_ms": duration.Milliseconds(),
		"success":     success,
		"error":       errMsg,
	})
}

// LogStreamEvent records a stream lifecycle transition.
func (l *Logger) LogStreamEvent(eventType, streamID, containerID string, extra map[string]interface{}) {
	data := map[string]interface{}{
		"event_type":   eventType,
		"stream_id":    streamID,
		"container_id": containerID,
	}
	for k, v := range extra {
		data[k] = v
	}
	l.write("streams", data)
}

// LogVPNTransition records a VPN classification change.
func (l *Logger) LogVPNTransition(vpnID, oldStatus, newStatus string, forwardedPort int, portChanged bool) {
	l.write("vpn", map[string]interface{}{
		"vpn_id":         vpnID,
		"old_status":     oldStatus,
		"new_status":     newStatus,
		"forwarded_port": forwardedPort,
		"port_changed":   portChanged,
	})
}

// LogHealthTransition records an engine health classification change.
func (l *Logger) LogHealthTransition(containerID, status string, consecutiveFailures int) {
	l.write("health", map[string]interface{}{
		"container_id":         containerID,
		"status":               status,
		"consecutive_failures": consecutiveFailures,
	})
}

// LogError records an error with free-form context.
func (l *Logger) LogError(component, operation string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"component":     component,
		"operation":     operation,
		"error_message": err.Error(),
	}
	for k, v := range context {
		data[k] = v
	}
	l.write("errors", data)
}
