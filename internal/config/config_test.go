package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-silencewatch/internal/notify"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envOf(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	s := cfg.Snapshot()
	assert.Equal(t, DefaultSilenceDB, s.Thresholds.SilenceDB)
	assert.Equal(t, DefaultClearDB, s.Thresholds.ClearDB)
	assert.Equal(t, 5*time.Minute, s.Alerts.ReminderInterval())
	assert.Equal(t, "process", s.Audio.Backend)
	assert.Equal(t, types.DefaultSampleRate, s.Audio.SampleRate)
	assert.Equal(t, 12*time.Hour, s.Location.TTL())
	assert.True(t, s.Alerts.AttachLog)
	assert.False(t, s.MailConfigured())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"thresholds": {"silence_threshold_db": -50, "clear_threshold_db": -25, "silence_limit": 3},
		"alerts": {"reminder_interval_ms": 0},
		"email": {"smtp": {"server": "smtp.example.com", "from": "alerts@example.com", "recipients": "a@example.com"}}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	s := cfg.Snapshot()
	assert.Equal(t, types.ThresholdSet{SilenceDB: -50, ClearDB: -25}, s.Thresholds.Set())
	assert.Equal(t, 3, s.Thresholds.SilenceLimit)
	assert.Equal(t, 1, s.Thresholds.ClearLimit)
	assert.Zero(t, s.Alerts.ReminderInterval(), "explicit zero disables reminders")
	assert.Equal(t, notify.DefaultSMTPPort, s.Email.SMTP.Port)
	assert.Equal(t, types.SMTPSecurityStartTLS, s.Email.SMTP.Security)
	assert.True(t, s.MailConfigured())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
thresholds:
  silence_threshold_db: -48
  clear_threshold_db: -18
email:
  smtp:
    server: smtp.example.com
    security: tls
location:
  city: Middelburg
  country: Netherlands
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	s := cfg.Snapshot()
	assert.InDelta(t, -48, s.Thresholds.SilenceDB, 1e-9)
	assert.Equal(t, notify.DefaultSMTPTLSPort, s.Email.SMTP.Port)
	assert.Equal(t, "Middelburg", s.Location.City)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"inverted thresholds", `{"thresholds": {"silence_threshold_db": -20, "clear_threshold_db": -30}}`, "thresholds.clear_threshold_db"},
		{"bad backend", `{"audio": {"backend": "jack"}}`, "audio.backend"},
		{"bad log level", `{"logging": {"level": "loud"}}`, "logging.level"},
		{"bad webhook", `{"webhook": {"url": "not a url"}}`, "webhook.url"},
		{"threshold above full scale", `{"thresholds": {"silence_threshold_db": -30, "clear_threshold_db": 3}}`, "thresholds.clear_threshold_db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.json", tt.body))
			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Errors))
			for _, e := range verr.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestLoadMalformed(t *testing.T) {
	_, err := Load(writeFile(t, "config.json", `{"thresholds":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestApplyEnv(t *testing.T) {
	s := Defaults()
	err := s.applyEnv(envOf(map[string]string{
		"EMAIL_FROM":           "monitor@example.com",
		"EMAIL_TO":             "a@example.com, b@example.com",
		"SMTP_SERVER":          "smtp.gmail.com",
		"SMTP_PORT":            "2525",
		"EMAIL_USER":           "user",
		"EMAIL_PASS":           "pass",
		"SILENCE_THRESHOLD_DB": "-55",
		"CLEAR_THRESHOLD_DB":   "-40",
		"SILENCE_LIMIT":        "3",
		"CLEAR_LIMIT":          "2",
		"REMINDER_INTERVAL":    "60",
		"CITY":                 "Gaza",
		"COUNTRY":              " ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "smtp.gmail.com", s.Email.SMTP.Server)
	assert.Equal(t, 2525, s.Email.SMTP.Port)
	assert.Equal(t, "a@example.com, b@example.com", s.Email.SMTP.Recipients)
	assert.Equal(t, types.ThresholdSet{SilenceDB: -55, ClearDB: -40}, s.Thresholds.Set())
	assert.Equal(t, 3, s.Thresholds.SilenceLimit)
	assert.Equal(t, 2, s.Thresholds.ClearLimit)
	assert.Equal(t, time.Minute, s.Alerts.ReminderInterval())
	assert.Equal(t, "Gaza", s.Location.City)
	assert.Empty(t, s.Location.Country, "blank values are ignored")
}

func TestApplyEnvReportsBadNumbers(t *testing.T) {
	s := Defaults()
	err := s.applyEnv(envOf(map[string]string{"SMTP_PORT": "abc", "CLEAR_THRESHOLD_DB": "loud"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMTP_PORT")
	assert.Contains(t, err.Error(), "CLEAR_THRESHOLD_DB")
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CITY=FromFile\nCOUNTRY=Palestine\n"), 0o600))
	t.Setenv("CITY", "FromEnv")
	t.Setenv("COUNTRY", "")
	require.NoError(t, os.Unsetenv("COUNTRY"))

	cfg, err := Load(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	s := cfg.Snapshot()
	assert.Equal(t, "FromEnv", s.Location.City)
	assert.Equal(t, "Palestine", s.Location.Country)
}

func TestSaveThresholds(t *testing.T) {
	for _, name := range []string{"config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sub", name)
			cfg := New(path)

			err := cfg.SaveThresholds(types.ThresholdSet{SilenceDB: -20, ClearDB: -30})
			require.ErrorIs(t, err, types.ErrInvalidThresholds)
			assert.NoFileExists(t, path)

			want := types.ThresholdSet{SilenceDB: -51.2, ClearDB: -14.8}
			require.NoError(t, cfg.SaveThresholds(want))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, want, loaded.Snapshot().Thresholds.Set())
		})
	}
}

func TestSaveThresholdsKeepsEnvironmentOut(t *testing.T) {
	t.Setenv("EMAIL_PASS", "hunter2-secret")
	t.Setenv("API_KEY", "env-api-key")
	t.Setenv("SILENCE_LIMIT", "4")

	path := writeFile(t, "config.json", `{
		"audio": {"device": "hw:1,0"},
		"thresholds": {"silence_threshold_db": -40, "clear_threshold_db": -20, "clear_limit": 2},
		"email": {"smtp": {"server": "smtp.example.com", "from": "alerts@example.com", "recipients": "a@example.com"}}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "hunter2-secret", cfg.Snapshot().Email.SMTP.Password)

	want := types.ThresholdSet{SilenceDB: -55, ClearDB: -35}
	require.NoError(t, cfg.SaveThresholds(want))
	assert.Equal(t, want, cfg.Snapshot().Thresholds.Set())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	saved := string(data)
	assert.NotContains(t, saved, "hunter2-secret")
	assert.NotContains(t, saved, "env-api-key")
	assert.NotContains(t, saved, "silence_limit")
	assert.NotContains(t, saved, "event_log")
	assert.Contains(t, saved, `"clear_limit": 2`)
	assert.Contains(t, saved, `"device": "hw:1,0"`)
	assert.Contains(t, saved, "smtp.example.com")

	t.Setenv("EMAIL_PASS", "")
	t.Setenv("SILENCE_LIMIT", "")
	reloaded, err := Load(path)
	require.NoError(t, err)
	s := reloaded.Snapshot()
	assert.Equal(t, want, s.Thresholds.Set())
	assert.Empty(t, s.Email.SMTP.Password)
	assert.Equal(t, DefaultSilenceLimit, s.Thresholds.SilenceLimit)
}

func TestExplicitZeroThresholdIsKept(t *testing.T) {
	path := writeFile(t, "config.json", `{"thresholds": {"silence_threshold_db": -30, "clear_threshold_db": 0}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Snapshot().Thresholds.ClearDB)

	path = writeFile(t, "config.json", `{"thresholds": {"silence_threshold_db": 0, "clear_threshold_db": -20}}`)
	_, err = Load(path)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr, "explicit 0 dB silence is not replaced by the default")
}

func TestDefaultLogFile(t *testing.T) {
	s := Defaults()
	assert.Equal(t, filepath.Join(os.TempDir(), DefaultLogFileName), s.Logging.File)
	assert.Equal(t, DefaultCalibrationSeconds, s.Calibration.DurationSeconds)
	assert.Equal(t, 120, s.Alerts.HistorySize)

	path := writeFile(t, "config.json", `{"logging": {"file": ""}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Snapshot().Logging.File, "an explicit empty file disables the log file")
}

func TestSnapshotIsACopy(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	s := cfg.Snapshot()
	s.Thresholds.SilenceDB = -99
	assert.Equal(t, DefaultSilenceDB, cfg.Snapshot().Thresholds.SilenceDB)
}

func TestRetryPolicy(t *testing.T) {
	p := AlertsConfig{MaxAttempts: 5, AttemptTimeoutMs: 1000}.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.AttemptTimeout)

	d := AlertsConfig{}.RetryPolicy()
	assert.Equal(t, notify.DefaultRetryPolicy(), d)
}

func TestValidateReturnsValidationError(t *testing.T) {
	s := Defaults()
	s.Thresholds.ClearLimit = -1
	err := Validate(&s)
	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "thresholds.clear_limit", verr.Errors[0].Field)
}
