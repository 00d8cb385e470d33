package notify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

func restoredEvent() types.AlertEvent {
	return types.AlertEvent{
		Kind:        types.AlertAudioRestored,
		IncidentID:  "abc",
		DeviceLabel: "Radio FM",
		Location:    testLocation,
		LevelDB:     -14.2,
		Thresholds:  types.ThresholdSet{SilenceDB: -50, ClearDB: -30},
		Duration:    90 * time.Second,
		Timestamp:   time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func TestNewEventPayloadFiniteLevel(t *testing.T) {
	ev := restoredEvent()
	ev.LevelDB = math.Inf(-1)
	p := NewEventPayload(&ev)
	assert.Equal(t, -120.0, p.LevelDB)

	_, err := json.Marshal(p)
	assert.NoError(t, err)
}

func TestWebhookNotify(t *testing.T) {
	var got EventPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL).Notify(context.Background(), restoredEvent()))
	assert.Equal(t, "audio_restored", got.Event)
	assert.Equal(t, int64(90000), got.DurationMs)
	assert.Equal(t, "2026-02-03T04:05:06Z", got.Timestamp)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	assert.Error(t, NewWebhook(srv.URL).Notify(context.Background(), restoredEvent()))
	assert.NoError(t, NewWebhook("").Notify(context.Background(), restoredEvent()), "unconfigured is a no-op")
}

// fakeToken is a completed paho token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	mu      sync.Mutex
	topic   string
	qos     byte
	payload []byte
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic, p.qos = topic, qos
	p.payload = payload.([]byte)
	return newFakeToken(nil)
}

func (p *fakePublisher) IsConnectionOpen() bool { return true }
func (p *fakePublisher) Disconnect(uint)        {}

func TestMQTTNotify(t *testing.T) {
	pub := &fakePublisher{}
	m := newMQTTWithClient(types.MQTTConfig{Topic: "studio/silence", QoS: 1}, pub)

	require.NoError(t, m.Notify(context.Background(), restoredEvent()))

	assert.Equal(t, "studio/silence", pub.topic)
	assert.Equal(t, byte(1), pub.qos)
	var got EventPayload
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "abc", got.IncidentID)
}

func TestNewMQTTRequiresBroker(t *testing.T) {
	_, err := NewMQTT(types.MQTTConfig{})
	assert.Error(t, err)
}

// fakeZabbix answers one trapper request with reply.
func fakeZabbix(t *testing.T, reply string) (string, int, <-chan zabbixRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan zabbixRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck // Test server

		header := make([]byte, zabbixHeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		body := make([]byte, binary.LittleEndian.Uint64(header[5:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		var req zabbixRequest
		_ = json.Unmarshal(body, &req)
		got <- req

		out := make([]byte, zabbixHeaderSize)
		copy(out, zabbixMagic[:])
		binary.LittleEndian.PutUint64(out[5:], uint64(len(reply)))
		_, _ = conn.Write(append(out, reply...))
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port, got
}

func TestZabbixNotify(t *testing.T) {
	host, port, got := fakeZabbix(t, `{"response":"success","info":"processed: 1; failed: 0; total: 1"}`)
	z := NewZabbix(types.ZabbixConfig{Server: host, Port: port, Host: "studio", Key: "silence"})

	require.NoError(t, z.Notify(context.Background(), restoredEvent()))
	req := <-got
	require.Len(t, req.Data, 1)
	assert.Equal(t, "event=RECOVERY level=-14.2 silence=-50.0 clear=-30.0 duration_ms=90000", req.Data[0].Value)
}

func TestZabbixUnknownItem(t *testing.T) {
	host, port, _ := fakeZabbix(t, `{"response":"success","info":"processed: 0; failed: 0; total: 1"}`)
	z := NewZabbix(types.ZabbixConfig{Server: host, Port: port, Host: "studio", Key: "silence"})
	assert.Error(t, z.Notify(context.Background(), restoredEvent()))
}

type recordingHook struct {
	mu     sync.Mutex
	events []types.AlertEvent
}

func (h *recordingHook) Name() string { return "recording" }

func (h *recordingHook) Notify(_ context.Context, ev types.AlertEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func TestNotifierFansOut(t *testing.T) {
	tr := &fakeTransport{}
	hook := &recordingHook{}
	n := NewNotifier(newTestDispatcher(tr), hook)

	n.Notify(context.Background(), lossEvent(time.Now()))
	n.Notify(context.Background(), restoredEvent())
	n.Wait()

	assert.Len(t, tr.subjects(), 2)
	assert.Len(t, hook.events, 2)
}

func TestNotifierWithoutDispatcher(t *testing.T) {
	hook := &recordingHook{}
	n := NewNotifier(nil, hook)
	n.Notify(context.Background(), restoredEvent())
	n.Wait()
	assert.Len(t, hook.events, 1)
}

type failingHook struct{}

func (failingHook) Name() string { return "failing" }

func (failingHook) Notify(context.Context, types.AlertEvent) error { return errors.New("broker down") }

func TestNotifierReportsHookErrors(t *testing.T) {
	var mu sync.Mutex
	var failed []string
	n := NewNotifier(nil, failingHook{}, &recordingHook{})
	n.OnHookError(func(hook string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, hook)
	})

	n.Notify(context.Background(), restoredEvent())
	n.Wait()
	assert.Equal(t, []string{"failing"}, failed)
}
