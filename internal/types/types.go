// Package types provides shared type definitions used across the monitor.
package types

import (
	"fmt"
	"time"
)

// MonitorState represents the silence state of the monitored input.
type MonitorState string

const (
	// StateNormal indicates audio is present.
	StateNormal MonitorState = "normal"
	// StateSilent indicates confirmed audio loss.
	StateSilent MonitorState = "silent"
)

// ThresholdSet holds the hysteresis thresholds for silence detection.
// ClearDB must be strictly greater than SilenceDB.
type ThresholdSet struct {
	SilenceDB float64 `json:"silence_threshold_db"` // At or below this level audio is lost
	ClearDB   float64 `json:"clear_threshold_db"`   // At or above this level audio is restored
}

// Validate reports whether the hysteresis gap is present.
func (t ThresholdSet) Validate() error {
	if t.ClearDB <= t.SilenceDB {
		return fmt.Errorf("%w: clear %.1f dB must be above silence %.1f dB", ErrInvalidThresholds, t.ClearDB, t.SilenceDB)
	}
	return nil
}

// Gap returns the hysteresis gap in dB.
func (t ThresholdSet) Gap() float64 {
	return t.ClearDB - t.SilenceDB
}

// UnknownPlace is used when no location could be resolved.
const UnknownPlace = "Unknown"

// LocationInfo is a human-readable location used to tag alerts.
type LocationInfo struct {
	City       string    `json:"city"`
	Country    string    `json:"country"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// UnknownLocation returns the sentinel location.
func UnknownLocation() LocationInfo {
	return LocationInfo{City: UnknownPlace, Country: UnknownPlace}
}

// IsUnknown reports whether l is the sentinel location.
func (l LocationInfo) IsUnknown() bool {
	return l.City == UnknownPlace && l.Country == UnknownPlace
}

// String returns "City, Country".
func (l LocationInfo) String() string {
	return l.City + ", " + l.Country
}

// AlertKind identifies what an alert reports.
type AlertKind string

const (
	// AlertSilenceDetected is sent when audio loss is first confirmed.
	AlertSilenceDetected AlertKind = "silence_detected"
	// AlertAudioRestored is sent when audio returns after a loss.
	AlertAudioRestored AlertKind = "audio_restored"
	// AlertSilenceReminder is re-sent while the loss continues.
	AlertSilenceReminder AlertKind = "silence_reminder"
	// AlertDeliveryRestored is sent after earlier alerts could not be delivered.
	AlertDeliveryRestored AlertKind = "delivery_restored"
)

// AlertEvent is one notification-worthy occurrence. It is consumed once.
type AlertEvent struct {
	Kind        AlertKind     `json:"kind"`
	IncidentID  string        `json:"incident_id,omitempty"`
	DeviceLabel string        `json:"device"`
	Location    LocationInfo  `json:"location"`
	LevelDB     float64       `json:"level_db"`
	Thresholds  ThresholdSet  `json:"thresholds"`
	Duration    time.Duration `json:"duration,omitempty"` // Restoration and reminder only
	Timestamp   time.Time     `json:"timestamp"`

	// Missed lists the timestamps of undelivered alerts (delivery notices only).
	Missed    []time.Time `json:"missed,omitempty"`
	LastError string      `json:"last_error,omitempty"`

	// History holds the recent levels, oldest first, for the trend graph.
	History []LevelSample `json:"-"`
}

// LevelSample is one reading kept for the level trend.
type LevelSample struct {
	At      time.Time `json:"at"`
	LevelDB float64   `json:"level_db"`
}

// Audio format constants for PCM capture.
const (
	// DefaultSampleRate is the capture sample rate in Hz.
	DefaultSampleRate = 48000
	// CaptureChannels is the number of channels requested from the backend.
	CaptureChannels = 1
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
)

// VersionInfo contains version information for the status API.
type VersionInfo struct {
	Current     string `json:"current"`
	Latest      string `json:"latest,omitempty"`
	UpdateAvail bool   `json:"update_available"`
	Commit      string `json:"commit,omitempty"`
	BuildTime   string `json:"build_time,omitempty"`
}
