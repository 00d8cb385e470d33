package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// loadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is ignored.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return util.WrapError("load .env", err)
	}
	return nil
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// applyEnv overrides settings from environment variables.
func (s *Settings) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str("EMAIL_FROM", &s.Email.SMTP.From)
	str("EMAIL_TO", &s.Email.SMTP.Recipients)
	str("SMTP_SERVER", &s.Email.SMTP.Server)
	num("SMTP_PORT", &s.Email.SMTP.Port)
	str("EMAIL_USER", &s.Email.SMTP.Username)
	str("EMAIL_PASS", &s.Email.SMTP.Password)

	float("SILENCE_THRESHOLD_DB", &s.Thresholds.SilenceDB)
	float("CLEAR_THRESHOLD_DB", &s.Thresholds.ClearDB)
	num("SILENCE_LIMIT", &s.Thresholds.SilenceLimit)
	num("CLEAR_LIMIT", &s.Thresholds.ClearLimit)
	num("HISTORY_SIZE", &s.Alerts.HistorySize)

	// REMINDER_INTERVAL is in seconds.
	reminder := -1
	num("REMINDER_INTERVAL", &reminder)
	if reminder >= 0 {
		s.Alerts.ReminderIntervalMs = int64(reminder) * 1000
	}

	str("CITY", &s.Location.City)
	str("COUNTRY", &s.Location.Country)
	str("LOG_FILE", &s.Logging.File)
	str("API_KEY", &s.Server.APIKey)

	if len(errs) > 0 {
		return util.WrapError("parse environment", errors.Join(errs...))
	}
	return nil
}
