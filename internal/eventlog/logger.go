// Package eventlog records silence incidents and monitor lifecycle events in
// a JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// EventType represents the type of event.
type EventType string

// Silence event types.
const (
	SilenceStart    EventType = "silence_start"
	SilenceEnd      EventType = "silence_end"
	SilenceReminder EventType = "silence_reminder"
)

// Monitor event types.
const (
	MonitorStarted  EventType = "monitor_started"
	MonitorStopped  EventType = "monitor_stopped"
	CaptureFault    EventType = "capture_fault"
	Calibrated      EventType = "calibrated"
	DeliveryFailed  EventType = "delivery_failed"
	ClipArchived    EventType = "clip_archived"
	ArchiveFailed   EventType = "archive_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Incident  string    `json:"incident,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SilenceDetails contains silence-specific event details.
type SilenceDetails struct {
	Device     string  `json:"device,omitempty"`
	LevelDB    float64 `json:"level_db"`
	SilenceDB  float64 `json:"silence_threshold_db"`
	ClearDB    float64 `json:"clear_threshold_db"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	ClipKey    string  `json:"clip_key,omitempty"`
	ClipError  string  `json:"clip_error,omitempty"`
}

// Logger writes events to a JSON lines file. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogAlert records a silence alert. Kinds other than silence transitions
// are ignored.
func (l *Logger) LogAlert(ev *types.AlertEvent) error {
	var t EventType
	switch ev.Kind {
	case types.AlertSilenceDetected:
		t = SilenceStart
	case types.AlertAudioRestored:
		t = SilenceEnd
	case types.AlertSilenceReminder:
		t = SilenceReminder
	default:
		return nil
	}
	return l.Log(&Event{
		Timestamp: ev.Timestamp,
		Type:      t,
		Incident:  ev.IncidentID,
		Details: &SilenceDetails{
			Device:     ev.DeviceLabel,
			LevelDB:    audio.Finite(ev.LevelDB),
			SilenceDB:  ev.Thresholds.SilenceDB,
			ClearDB:    ev.Thresholds.ClearDB,
			DurationMs: ev.Duration.Milliseconds(),
		},
	})
}

// LogMessage records a monitor event with a free-form message.
func (l *Logger) LogMessage(eventType EventType, incident, message string) error {
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Incident:  incident,
		Message:   message,
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterSilence TypeFilter = "silence"
	FilterMonitor TypeFilter = "monitor"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest
// first, and whether older matching events remain.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

func (f TypeFilter) matches(t EventType) bool {
	switch f {
	case FilterSilence:
		return IsSilenceEvent(t)
	case FilterMonitor:
		return !IsSilenceEvent(t)
	default:
		return true
	}
}

// IsSilenceEvent reports whether t describes a silence incident.
func IsSilenceEvent(t EventType) bool {
	return t == SilenceStart || t == SilenceEnd || t == SilenceReminder
}
