package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/eventlog"
	"github.com/oszuidwest/zwfm-silencewatch/internal/monitor"
	"github.com/oszuidwest/zwfm-silencewatch/internal/notify"
	"github.com/oszuidwest/zwfm-silencewatch/internal/server"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

const (
	// statusInterval is how often the WebSocket stream receives a status
	// message even without monitor updates.
	statusInterval = 3 * time.Second
	// testTimeout bounds a single test request.
	testTimeout = 30 * time.Second
	// defaultEventsLimit applies when /api/events has no limit parameter.
	defaultEventsLimit = 100
)

type statusSource interface {
	Status() monitor.Status
}

type mailSender interface {
	Send(ctx context.Context, msg notify.Message) error
	Name() string
}

type archiveTester interface {
	TestConnection(ctx context.Context) error
	Pending() int
}

type locationPeeker interface {
	Resolve(ctx context.Context) types.LocationInfo
	Peek() (types.LocationInfo, bool)
}

// ServerDeps holds the components exposed through the HTTP API. Nil
// optional fields disable the matching endpoints.
type ServerDeps struct {
	Listen       string
	APIKey       string
	Backend      string
	Monitor      statusSource
	Transport    mailSender // optional
	Missed       func() []time.Time
	Hooks        []notify.Hook
	Archive      archiveTester // optional
	Location     locationPeeker
	GraphExpiry  *notify.SecretExpiryChecker // optional
	EventLogPath string
	Metrics      http.Handler
	Version      *VersionChecker
	Devices      func(backend string) ([]audio.Device, error)
}

// Server is the local HTTP status surface. It exposes JSON status, the
// event log, Prometheus metrics and a live WebSocket stream.
type Server struct {
	deps      ServerDeps
	hub       *server.Hub
	startedAt time.Time
}

// NewServer returns a Server for deps.
func NewServer(deps ServerDeps) *Server {
	if deps.Devices == nil {
		deps.Devices = audio.Devices
	}
	s := &Server{deps: deps, startedAt: time.Now()}
	s.hub = server.NewHub(func() any { return s.wsStatus() })
	return s
}

// statusResponse is returned by GET /api/status.
type statusResponse struct {
	Monitor           monitor.Status          `json:"monitor"`
	Location          *types.LocationInfo     `json:"location,omitempty"`
	MissedAlerts      []time.Time             `json:"missed_alerts,omitempty"`
	MailTransport     string                  `json:"mail_transport,omitempty"`
	Hooks             []string                `json:"hooks,omitempty"`
	ArchivePending    int                     `json:"archive_pending"`
	GraphSecretExpiry *types.SecretExpiryInfo `json:"graph_secret_expiry,omitempty"`
	StreamClients     int                     `json:"stream_clients"`
	Uptime            string                  `json:"uptime"`
	Version           types.VersionInfo       `json:"version"`
}

// wsMessage wraps monitor status for the WebSocket stream.
type wsMessage struct {
	Type   string         `json:"type"`
	Status monitor.Status `json:"status"`
}

func (s *Server) wsStatus() wsMessage {
	return wsMessage{Type: "status", Status: s.deps.Monitor.Status()}
}

// PublishStatus pushes st to every WebSocket client. It never blocks and is
// meant for monitor.Options.OnStatus.
func (s *Server) PublishStatus(st monitor.Status) {
	s.hub.Broadcast(wsMessage{Type: "status", Status: st})
}

// Routes returns an [http.Handler] with all application routes.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	auth := server.APIKeyAuth(s.deps.APIKey)

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", server.RequireMethod(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/api/events", server.RequireMethod(http.MethodGet, s.handleEvents))
	mux.HandleFunc("/api/devices", server.RequireMethod(http.MethodGet, s.handleDevices))

	mux.HandleFunc("/api/test/email", server.RequireMethod(http.MethodPost, auth(s.handleTestEmail)))
	mux.HandleFunc("/api/test/hooks", server.RequireMethod(http.MethodPost, auth(s.handleTestHooks)))
	mux.HandleFunc("/api/test/archive", server.RequireMethod(http.MethodPost, auth(s.handleTestArchive)))

	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
	mux.Handle("/ws", s.hub)

	return server.SecurityHeaders(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Monitor:       s.deps.Monitor.Status(),
		StreamClients: s.hub.Clients(),
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.deps.Version != nil {
		resp.Version = s.deps.Version.Info()
	}
	if s.deps.Location != nil {
		if loc, ok := s.deps.Location.Peek(); ok {
			resp.Location = &loc
		}
	}
	if s.deps.Missed != nil {
		resp.MissedAlerts = s.deps.Missed()
	}
	if s.deps.Transport != nil {
		resp.MailTransport = s.deps.Transport.Name()
	}
	for _, h := range s.deps.Hooks {
		resp.Hooks = append(resp.Hooks, h.Name())
	}
	if s.deps.Archive != nil {
		resp.ArchivePending = s.deps.Archive.Pending()
	}
	if s.deps.GraphExpiry != nil {
		info := s.deps.GraphExpiry.Info(r.Context())
		resp.GraphSecretExpiry = &info
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

// handleEvents handles GET /api/events?limit=&offset=&type=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), defaultEventsLimit)
	if err != nil || limit < 1 {
		server.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		server.WriteError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	filter := eventlog.TypeFilter(q.Get("type"))
	switch filter {
	case eventlog.FilterAll, eventlog.FilterSilence, eventlog.FilterMonitor:
	default:
		server.WriteError(w, http.StatusBadRequest, "type must be silence or monitor")
		return
	}

	events, more, err := eventlog.ReadLast(s.deps.EventLogPath, limit, offset, filter)
	if err != nil {
		server.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": more,
		"path":     s.deps.EventLogPath,
	})
}

func queryInt(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// handleDevices handles GET /api/devices.
func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.deps.Devices(s.deps.Backend)
	if err != nil {
		server.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if devices == nil {
		devices = []audio.Device{}
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleTestEmail handles POST /api/test/email.
func (s *Server) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transport == nil {
		server.WriteResult(w, errors.New("no mail transport configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()

	var loc types.LocationInfo
	if s.deps.Location != nil {
		loc = s.deps.Location.Resolve(ctx)
	}
	msg := notify.ComposeTest(loc, s.deps.Monitor.Status().Device, time.Now())
	err := s.deps.Transport.Send(ctx, msg)
	if err != nil {
		slog.Warn("test email failed", "transport", s.deps.Transport.Name(), "error", err)
	}
	server.WriteResult(w, err)
}

// handleTestHooks handles POST /api/test/hooks. Every hook receives a
// synthetic restoration event; results are reported per hook.
func (s *Server) handleTestHooks(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Hooks) == 0 {
		server.WriteResult(w, errors.New("no hooks configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()

	st := s.deps.Monitor.Status()
	ev := types.AlertEvent{
		Kind:        types.AlertAudioRestored,
		IncidentID:  "test",
		DeviceLabel: st.Device,
		LevelDB:     st.LevelDB,
		Thresholds:  st.Thresholds,
		Timestamp:   time.Now(),
	}
	if s.deps.Location != nil {
		ev.Location = s.deps.Location.Resolve(ctx)
	}

	results := make(map[string]string, len(s.deps.Hooks))
	success := true
	for _, h := range s.deps.Hooks {
		if err := h.Notify(ctx, ev); err != nil {
			success = false
			results[h.Name()] = err.Error()
			continue
		}
		results[h.Name()] = "ok"
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"success": success, "results": results})
}

// handleTestArchive handles POST /api/test/archive.
func (s *Server) handleTestArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		server.WriteResult(w, errors.New("archive not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()
	server.WriteResult(w, s.deps.Archive.TestConnection(ctx))
}

// Start begins serving in the background and pushes a status message to
// WebSocket clients every few seconds until ctx is done.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start(ctx context.Context) *http.Server {
	slog.Info("starting status server", "addr", s.deps.Listen)

	srv := &http.Server{
		Addr:              s.deps.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.hub.Close()
				return
			case <-ticker.C:
				s.hub.Broadcast(s.wsStatus())
			}
		}
	}()

	return srv
}
