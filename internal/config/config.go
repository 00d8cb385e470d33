// Package config provides application configuration management.
package config

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/location"
	"github.com/oszuidwest/zwfm-silencewatch/internal/monitor"
	"github.com/oszuidwest/zwfm-silencewatch/internal/notify"
	"github.com/oszuidwest/zwfm-silencewatch/internal/silencedump"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultSilenceDB          = -36.0
	DefaultClearDB            = -20.0
	DefaultSilenceLimit       = 1
	DefaultClearLimit         = 1
	DefaultReminderIntervalMs = 300000 // 5 minutes
	DefaultCalibrationSeconds = 10
	DefaultCalibrationMargin  = audio.DefaultCalibrationMarginDB
	DefaultLocationRefreshH   = 12
	DefaultListen             = "127.0.0.1:8080"
	DefaultLogLevel           = "info"
	DefaultEventLogName       = "silencewatch-events.jsonl"
	DefaultLogFileName        = "silencewatch.log"
)

// AudioConfig holds audio input device settings.
type AudioConfig struct {
	Backend     string `json:"backend" yaml:"backend" validate:"omitempty,oneof=process portaudio"`
	Device      string `json:"device" yaml:"device"`             // Backend device identifier, empty for the default
	DeviceLabel string `json:"device_label" yaml:"device_label"` // Name used in alert subjects
	CommandPath string `json:"command_path" yaml:"command_path"` // Override for arecord/ffmpeg
	SampleRate  int    `json:"sample_rate" yaml:"sample_rate" validate:"omitempty,min=8000,max=192000"`
	BlockMs     int    `json:"block_ms" yaml:"block_ms" validate:"omitempty,min=50,max=10000"`
}

// ThresholdsConfig holds silence detection thresholds and limits.
type ThresholdsConfig struct {
	SilenceDB    float64 `json:"silence_threshold_db" yaml:"silence_threshold_db" validate:"gte=-120,lte=0"`
	ClearDB      float64 `json:"clear_threshold_db" yaml:"clear_threshold_db" validate:"gte=-120,lte=0"`
	SilenceLimit int     `json:"silence_limit" yaml:"silence_limit" validate:"omitempty,min=1"`
	ClearLimit   int     `json:"clear_limit" yaml:"clear_limit" validate:"omitempty,min=1"`
}

// Set returns the hysteresis thresholds.
func (t ThresholdsConfig) Set() types.ThresholdSet {
	return types.ThresholdSet{SilenceDB: t.SilenceDB, ClearDB: t.ClearDB}
}

// CalibrationConfig holds calibration defaults.
type CalibrationConfig struct {
	DurationSeconds int     `json:"duration_seconds" yaml:"duration_seconds" validate:"omitempty,min=1,max=3600"`
	MarginDB        float64 `json:"margin_db" yaml:"margin_db" validate:"omitempty,min=1,max=40"`
}

// AlertsConfig holds alert timing and delivery settings.
type AlertsConfig struct {
	ReminderIntervalMs int64 `json:"reminder_interval_ms" yaml:"reminder_interval_ms" validate:"gte=0"` // 0 disables reminders
	MaxAttempts        int   `json:"max_attempts" yaml:"max_attempts" validate:"omitempty,min=1,max=10"`
	AttemptTimeoutMs   int64 `json:"attempt_timeout_ms" yaml:"attempt_timeout_ms" validate:"gte=0"`
	AttachLog          bool  `json:"attach_log" yaml:"attach_log"`
	HistorySize        int   `json:"history_size" yaml:"history_size" validate:"omitempty,min=2,max=3600"` // Readings in the trend graph
}

// ReminderInterval returns the reminder cadence.
func (a AlertsConfig) ReminderInterval() time.Duration {
	return time.Duration(a.ReminderIntervalMs) * time.Millisecond
}

// RetryPolicy returns the delivery retry policy.
func (a AlertsConfig) RetryPolicy() notify.RetryPolicy {
	p := notify.DefaultRetryPolicy()
	p.MaxAttempts = cmp.Or(a.MaxAttempts, p.MaxAttempts)
	if a.AttemptTimeoutMs > 0 {
		p.AttemptTimeout = time.Duration(a.AttemptTimeoutMs) * time.Millisecond
	}
	return p
}

// EmailConfig holds the mail transports. SMTP is used when both are set.
type EmailConfig struct {
	SMTP  types.SMTPConfig  `json:"smtp" yaml:"smtp"`
	Graph types.GraphConfig `json:"graph" yaml:"graph"`
}

// LocationConfig holds alert location settings. A configured city skips
// the network lookup.
type LocationConfig struct {
	City         string `json:"city" yaml:"city"`
	Country      string `json:"country" yaml:"country"`
	LookupURL    string `json:"lookup_url" yaml:"lookup_url" validate:"omitempty,url"`
	RefreshHours int    `json:"refresh_hours" yaml:"refresh_hours" validate:"omitempty,min=1"`
}

// TTL returns the location refresh interval.
func (l LocationConfig) TTL() time.Duration {
	return time.Duration(l.RefreshHours) * time.Hour
}

// EventLogConfig holds event log settings.
type EventLogConfig struct {
	Path string `json:"path" yaml:"path"`
}

// ClipsConfig holds incident clip settings.
type ClipsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Dir           string `json:"dir" yaml:"dir"`
	BeforeSeconds int    `json:"before_seconds" yaml:"before_seconds" validate:"omitempty,min=1,max=120"`
	AfterSeconds  int    `json:"after_seconds" yaml:"after_seconds" validate:"omitempty,min=1,max=120"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days" validate:"gte=0"`
}

// ServerConfig holds the status server settings. An empty listen address
// disables the server.
type ServerConfig struct {
	Listen string `json:"listen" yaml:"listen"`
	APIKey string `json:"api_key" yaml:"api_key"` // Required by the test endpoints
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `json:"file" yaml:"file"`
}

// Settings is the complete configuration document.
type Settings struct {
	Audio       AudioConfig         `json:"audio" yaml:"audio"`
	Thresholds  ThresholdsConfig    `json:"thresholds" yaml:"thresholds"`
	Calibration CalibrationConfig   `json:"calibration" yaml:"calibration"`
	Alerts      AlertsConfig        `json:"alerts" yaml:"alerts"`
	Email       EmailConfig         `json:"email" yaml:"email"`
	Location    LocationConfig      `json:"location" yaml:"location"`
	Webhook     types.WebhookConfig `json:"webhook" yaml:"webhook"`
	MQTT        types.MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	Zabbix      types.ZabbixConfig  `json:"zabbix" yaml:"zabbix"`
	EventLog    EventLogConfig      `json:"event_log" yaml:"event_log"`
	Clips       ClipsConfig         `json:"clips" yaml:"clips"`
	Archive     types.S3Config      `json:"archive" yaml:"archive"`
	Server      ServerConfig        `json:"server" yaml:"server"`
	Logging     LoggingConfig       `json:"logging" yaml:"logging"`
}

// Defaults returns Settings with every default applied.
func Defaults() Settings {
	var s Settings
	s.Thresholds.SilenceDB = DefaultSilenceDB
	s.Thresholds.ClearDB = DefaultClearDB
	s.Alerts.ReminderIntervalMs = DefaultReminderIntervalMs
	s.Alerts.AttachLog = true
	s.Server.Listen = DefaultListen
	s.Logging.File = filepath.Join(os.TempDir(), DefaultLogFileName)
	s.Clips.RetentionDays = silencedump.DefaultRetentionDays
	s.applyDefaults()
	return s
}

// Config holds the loaded configuration. Settings are read-only after
// Load except for SaveThresholds. It is safe for concurrent use.
type Config struct {
	mu       sync.RWMutex
	settings Settings
	filePath string
}

// New creates a Config with default settings for filePath.
func New(filePath string) *Config {
	return &Config{settings: Defaults(), filePath: filePath}
}

// Load reads the config file, applies environment overrides and defaults,
// and validates the result. A missing file is not an error.
func Load(filePath string) (*Config, error) {
	c := New(filePath)

	data, err := os.ReadFile(filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, util.WrapError("read config", err)
	default:
		if err := unmarshal(filePath, data, &c.settings); err != nil {
			return nil, util.WrapError("parse config", err)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(filePath), ".env")); err != nil {
		return nil, err
	}
	if err := c.settings.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.settings.applyDefaults()

	if err := Validate(&c.settings); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.filePath
}

// Snapshot returns a copy of the current settings.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// SaveThresholds stores calibrated thresholds in the config file. Only the
// two threshold keys of the on-disk document change; values that came from
// the environment or from defaults are never written.
func (c *Config) SaveThresholds(ts types.ThresholdSet) error {
	if err := ts.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := readDocument(c.filePath)
	if err != nil {
		return err
	}
	thresholds, _ := doc["thresholds"].(map[string]any)
	if thresholds == nil {
		thresholds = make(map[string]any)
	}
	thresholds["silence_threshold_db"] = ts.SilenceDB
	thresholds["clear_threshold_db"] = ts.ClearDB
	doc["thresholds"] = thresholds

	if err := writeDocument(c.filePath, doc); err != nil {
		return err
	}
	c.settings.Thresholds.SilenceDB = ts.SilenceDB
	c.settings.Thresholds.ClearDB = ts.ClearDB
	return nil
}

// readDocument parses the config file as a generic document. A missing
// file yields an empty document.
func readDocument(path string) (map[string]any, error) {
	doc := make(map[string]any)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return doc, nil
	case err != nil:
		return nil, util.WrapError("read config", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, &doc)
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&doc)
	}
	if err != nil {
		return nil, util.WrapError("parse config", err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

// writeDocument replaces the config file with doc via a temporary file.
func writeDocument(path string, doc map[string]any) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return util.WrapError("replace config", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, s *Settings) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, s)
	}
	return json.Unmarshal(data, s)
}

// applyDefaults sets default values for zero-value fields.
func (s *Settings) applyDefaults() {
	s.Audio.Backend = cmp.Or(s.Audio.Backend, audio.BackendProcess)
	s.Audio.SampleRate = cmp.Or(s.Audio.SampleRate, types.DefaultSampleRate)
	s.Audio.BlockMs = cmp.Or(s.Audio.BlockMs, int(audio.DefaultBlockDuration/time.Millisecond))

	s.Thresholds.SilenceLimit = cmp.Or(s.Thresholds.SilenceLimit, DefaultSilenceLimit)
	s.Thresholds.ClearLimit = cmp.Or(s.Thresholds.ClearLimit, DefaultClearLimit)

	s.Calibration.DurationSeconds = cmp.Or(s.Calibration.DurationSeconds, DefaultCalibrationSeconds)
	s.Calibration.MarginDB = cmp.Or(s.Calibration.MarginDB, DefaultCalibrationMargin)

	s.Alerts.MaxAttempts = cmp.Or(s.Alerts.MaxAttempts, notify.DefaultMaxAttempts)
	s.Alerts.HistorySize = cmp.Or(s.Alerts.HistorySize, monitor.DefaultHistorySize)

	if s.Email.SMTP.Server != "" {
		s.Email.SMTP.Security = cmp.Or(s.Email.SMTP.Security, types.SMTPSecurityStartTLS)
		defaultPort := notify.DefaultSMTPPort
		if s.Email.SMTP.Security == types.SMTPSecurityTLS {
			defaultPort = notify.DefaultSMTPTLSPort
		}
		s.Email.SMTP.Port = cmp.Or(s.Email.SMTP.Port, defaultPort)
	}

	s.Location.LookupURL = cmp.Or(s.Location.LookupURL, location.DefaultLookupURL)
	s.Location.RefreshHours = cmp.Or(s.Location.RefreshHours, DefaultLocationRefreshH)

	s.EventLog.Path = cmp.Or(s.EventLog.Path, filepath.Join(os.TempDir(), DefaultEventLogName))
	s.Clips.Dir = cmp.Or(s.Clips.Dir, silencedump.DefaultOutputDir())
	s.Clips.BeforeSeconds = cmp.Or(s.Clips.BeforeSeconds, int(silencedump.DefaultBefore/time.Second))
	s.Clips.AfterSeconds = cmp.Or(s.Clips.AfterSeconds, int(silencedump.DefaultAfter/time.Second))

	s.Logging.Level = cmp.Or(s.Logging.Level, DefaultLogLevel)
}

// MailConfigured reports whether any mail transport is configured.
func (s *Settings) MailConfigured() bool {
	return s.Email.SMTP.Server != "" || notify.GraphConfigured(&s.Email.Graph)
}

// LabelFor returns the configured label or the device's own label.
func (s *Settings) LabelFor(d audio.Device) string {
	if s.Audio.DeviceLabel != "" {
		return s.Audio.DeviceLabel
	}
	return d.Label()
}

// String summarises the effective detection settings for startup logs.
func (s *Settings) String() string {
	return fmt.Sprintf("silence=%.1fdB clear=%.1fdB limits=%d/%d reminder=%s",
		s.Thresholds.SilenceDB, s.Thresholds.ClearDB,
		s.Thresholds.SilenceLimit, s.Thresholds.ClearLimit,
		util.FormatDuration(s.Alerts.ReminderInterval()))
}
