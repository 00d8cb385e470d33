package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/archive"
	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/config"
	"github.com/oszuidwest/zwfm-silencewatch/internal/eventlog"
	"github.com/oszuidwest/zwfm-silencewatch/internal/location"
	"github.com/oszuidwest/zwfm-silencewatch/internal/metrics"
	"github.com/oszuidwest/zwfm-silencewatch/internal/monitor"
	"github.com/oszuidwest/zwfm-silencewatch/internal/notify"
	"github.com/oszuidwest/zwfm-silencewatch/internal/silencedump"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// closer is a named shutdown step.
type closer struct {
	name string
	fn   func() error
}

// app wires configuration into a running monitor.
type app struct {
	settings *config.Settings
	device   audio.Device
	label    string

	metrics    *metrics.Metrics
	location   *location.Cache
	transport  notify.Transport
	dispatcher *notify.Dispatcher
	hooks      []notify.Hook
	notifier   *notify.Notifier
	events     *eventlog.Logger
	clips      *silencedump.Capturer
	cleaner    *silencedump.Cleaner
	uploader   *archive.Uploader
	expiry     *notify.SecretExpiryChecker
	version    *VersionChecker
	monitor    *monitor.Monitor
	server     *Server

	closers []closer
}

// newApp builds every component. Optional channels that fail to initialise
// are logged and skipped; only the monitor itself is mandatory.
func newApp(s *config.Settings, device audio.Device) (*app, error) {
	a := &app{
		settings: s,
		device:   device,
		label:    s.LabelFor(device),
		metrics:  metrics.New(),
		version:  NewVersionChecker(),
	}

	a.location = location.NewCache(a.locationProvider(), s.Location.TTL())

	events, err := eventlog.NewLogger(s.EventLog.Path)
	if err != nil {
		slog.Warn("event log disabled", "path", s.EventLog.Path, "error", err)
	} else {
		a.events = events
		a.closers = append(a.closers, closer{"event log", events.Close})
	}

	if s.Clips.Enabled {
		a.setupClips()
	}

	a.transport = a.mailTransport()
	if a.transport != nil {
		a.dispatcher = notify.NewDispatcher(a.transport, a.location,
			notify.WithRetryPolicy(s.Alerts.RetryPolicy()),
			notify.WithAttachments(a.attachments()...),
			notify.WithObserver(a.observeDispatch))
	} else {
		slog.Warn("no mail transport configured, alerts go to hooks and the event log only")
	}

	a.hooks = a.buildHooks()
	a.notifier = notify.NewNotifier(a.dispatcher, a.hooks...)
	a.notifier.OnHookError(func(hook string, _ error) { a.metrics.HookFailed(hook) })

	mon, err := monitor.New(monitor.Options{
		Silence: audio.SilenceConfig{
			Thresholds:       s.Thresholds.Set(),
			SilenceLimit:     s.Thresholds.SilenceLimit,
			ClearLimit:       s.Thresholds.ClearLimit,
			ReminderInterval: s.Alerts.ReminderInterval(),
		},
		DeviceLabel: a.label,
		Alerts:      a.notifier,
		Events:      a.eventRecorder(),
		Clips:       a.clipRecorder(),
		Metrics:     a.metrics,
		HistorySize: s.Alerts.HistorySize,
		OnStatus:    a.publishStatus,
	})
	if err != nil {
		return nil, err
	}
	a.monitor = mon

	if s.Server.Listen != "" {
		a.server = NewServer(a.serverDeps())
	}
	return a, nil
}

func (a *app) locationProvider() location.Provider {
	if a.settings.Location.City != "" {
		return location.StaticProvider{City: a.settings.Location.City, Country: a.settings.Location.Country}
	}
	return location.NewHTTPProvider(a.settings.Location.LookupURL)
}

// mailTransport prefers SMTP and falls back to Graph.
func (a *app) mailTransport() notify.Transport {
	email := a.settings.Email
	if email.SMTP.Server != "" {
		t, err := notify.NewSMTPTransport(email.SMTP)
		if err == nil {
			return t
		}
		slog.Error("SMTP transport disabled", "error", err)
	}
	if notify.GraphConfigured(&email.Graph) {
		t, err := notify.NewGraphTransport(&email.Graph)
		if err == nil {
			a.expiry = notify.NewSecretExpiryChecker(email.Graph)
			return t
		}
		slog.Error("Graph transport disabled", "error", err)
	}
	return nil
}

func (a *app) buildHooks() []notify.Hook {
	var hooks []notify.Hook
	if url := a.settings.Webhook.URL; url != "" {
		hooks = append(hooks, notify.NewWebhook(url))
	}
	if a.settings.MQTT.Broker != "" {
		m, err := notify.NewMQTT(a.settings.MQTT)
		if err != nil {
			slog.Error("MQTT hook disabled", "broker", a.settings.MQTT.Broker, "error", err)
		} else {
			hooks = append(hooks, m)
			a.closers = append(a.closers, closer{"mqtt", func() error { m.Close(); return nil }})
		}
	}
	if z := a.settings.Zabbix; util.IsConfigured(z.Server, z.Host, z.Key) {
		hooks = append(hooks, notify.NewZabbix(z))
	}
	return hooks
}

// attachments returns the per-alert attachment sources: the log tail and
// the incident audio clip.
func (a *app) attachments() []notify.AttachmentFunc {
	var fns []notify.AttachmentFunc
	if a.settings.Alerts.AttachLog && a.settings.Logging.File != "" {
		path := a.settings.Logging.File
		fns = append(fns, func(ev *types.AlertEvent) []notify.Attachment {
			data, err := notify.Tail(path, notify.DefaultTailLines, notify.DefaultTailBytes)
			if err != nil || len(data) == 0 {
				return nil
			}
			return []notify.Attachment{{
				Filename:    notify.LogAttachmentName(ev.Timestamp),
				ContentType: "text/plain",
				Data:        data,
			}}
		})
	}
	if a.clips != nil {
		fns = append(fns, a.clips.Attachment)
	}
	return fns
}

func (a *app) observeDispatch(res notify.DispatchResult) {
	a.metrics.ObserveDispatch(res)
	if res.Delivered() || a.events == nil {
		return
	}
	msg := fmt.Sprintf("%s not delivered after %d attempts", res.Kind, res.Attempts)
	if res.Err != nil {
		msg += ": " + res.Err.Error()
	}
	if err := a.events.LogMessage(eventlog.DeliveryFailed, "", msg); err != nil {
		slog.Warn("failed to record delivery failure", "error", err)
	}
}

// setupClips creates the clip capturer, retention cleaner and, when S3 is
// configured, the uploader.
func (a *app) setupClips() {
	s := a.settings
	if s.Archive.IsConfigured() {
		u, err := archive.NewUploader(&s.Archive, a.onUploaded)
		if err != nil {
			slog.Error("clip archive disabled", "error", err)
		} else {
			a.uploader = u
		}
	}

	a.clips = silencedump.NewCapturer(silencedump.Options{
		SampleRate: s.Audio.SampleRate,
		Before:     time.Duration(s.Clips.BeforeSeconds) * time.Second,
		After:      time.Duration(s.Clips.AfterSeconds) * time.Second,
		OutputDir:  s.Clips.Dir,
		OnClip:     a.onClip,
	})
	if s.Clips.RetentionDays > 0 {
		a.cleaner = silencedump.NewCleaner(s.Clips.Dir, s.Clips.RetentionDays)
	}
}

func (a *app) onClip(res *silencedump.ClipResult) {
	if res.Error != nil {
		slog.Error("failed to write incident clip", "incident", res.IncidentID, "error", res.Error)
		a.logMessage(eventlog.ArchiveFailed, res.IncidentID, "clip not written: "+res.Error.Error())
		return
	}
	slog.Info("incident clip written", "incident", res.IncidentID, "file", res.FilePath, "size", res.FileSize)
	if a.uploader != nil {
		a.uploader.Enqueue(res.IncidentID, res.FilePath, res.SilenceStart)
	}
}

func (a *app) onUploaded(req archive.Request, err error) {
	a.metrics.ClipArchived(err)
	if err != nil {
		a.logMessage(eventlog.ArchiveFailed, req.IncidentID, "upload of "+req.Key+" failed: "+err.Error())
		return
	}
	a.logMessage(eventlog.ClipArchived, req.IncidentID, "uploaded "+req.Key)
}

func (a *app) logMessage(t eventlog.EventType, incident, msg string) {
	if a.events == nil {
		return
	}
	if err := a.events.LogMessage(t, incident, msg); err != nil {
		slog.Warn("failed to write event log", "type", t, "error", err)
	}
}

// eventRecorder avoids handing the monitor a typed nil.
func (a *app) eventRecorder() monitor.EventRecorder {
	if a.events == nil {
		return nil
	}
	return a.events
}

func (a *app) clipRecorder() monitor.ClipRecorder {
	if a.clips == nil {
		return nil
	}
	return a.clips
}

func (a *app) publishStatus(st monitor.Status) {
	if a.server != nil {
		a.server.PublishStatus(st)
	}
}

func (a *app) serverDeps() ServerDeps {
	deps := ServerDeps{
		Listen:       a.settings.Server.Listen,
		APIKey:       a.settings.Server.APIKey,
		Backend:      a.settings.Audio.Backend,
		Monitor:      a.monitor,
		Hooks:        a.hooks,
		Location:     a.location,
		GraphExpiry:  a.expiry,
		EventLogPath: a.settings.EventLog.Path,
		Metrics:      a.metrics.Handler(),
		Version:      a.version,
	}
	if a.transport != nil {
		deps.Transport = a.transport
		deps.Missed = a.dispatcher.Missed
	}
	if a.uploader != nil {
		deps.Archive = a.uploader
	}
	return deps
}

// run monitors until ctx is cancelled or capture fails, then shuts down.
func (a *app) run(ctx context.Context) error {
	src, err := newSource(a.settings, a.device, a.monitor.BlockDropped)
	if err != nil {
		return err
	}

	slog.Info("starting monitor",
		"device", src.Device(),
		"label", a.label,
		"settings", a.settings.String(),
		"version", Version)
	a.logMessage(eventlog.MonitorStarted, "", fmt.Sprintf("monitoring %s (%s)", a.label, a.settings.String()))

	bgCtx, cancelBg := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	bg.Go(func() { a.version.Run(bgCtx) })
	if a.cleaner != nil {
		bg.Go(func() { a.cleaner.Run(bgCtx) })
	}
	if a.uploader != nil {
		bg.Go(func() { a.uploader.Run(bgCtx) })
	}
	if a.expiry != nil {
		bg.Go(func() { a.expiry.Watch(bgCtx, warnSecretExpiry) })
	}

	// Warm the location cache so the first alert does not wait on it.
	bg.Go(func() {
		loc := a.location.Resolve(ctx)
		slog.Info("alert location", "location", loc.String())
	})

	var httpServer *http.Server
	if a.server != nil {
		httpServer = a.server.Start(bgCtx)
	}

	runErr := a.monitor.Run(ctx, src)
	if runErr != nil {
		a.logMessage(eventlog.CaptureFault, a.monitor.Status().IncidentID, runErr.Error())
	}

	slog.Info("shutting down")

	// Alerts still in retry are aborted by ctx; wait for them to unwind.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), types.ShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}
	a.notifier.Wait()
	if a.clips != nil {
		a.clips.Wait()
	}

	cancelBg()
	bg.Wait()

	a.logMessage(eventlog.MonitorStopped, "", "monitor stopped")
	for _, c := range a.closers {
		if err := c.fn(); err != nil {
			slog.Warn("shutdown step failed", "step", c.name, "error", err)
		}
	}
	return runErr
}

func warnSecretExpiry(info types.SecretExpiryInfo) {
	if info.Error != "" {
		slog.Warn("could not check Graph client secret expiry", "error", info.Error)
		return
	}
	slog.Warn("Graph client secret expires soon, alert mail will stop working",
		"expires_at", info.ExpiresAt, "days_left", info.DaysLeft)
}
