package notify

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// Zabbix protocol constants.
const (
	zabbixTimeout     = 5 * time.Second
	zabbixHeaderSize  = 13        // "ZBXD\x01" (5) + uint64 length (8)
	maxReplySize      = 64 * 1024 // 64KB max reply to prevent memory exhaustion
	DefaultZabbixPort = 10051
)

// zabbixMagic is the protocol header prefix.
var zabbixMagic = [5]byte{'Z', 'B', 'X', 'D', 0x01}

// Zabbix protocol types.
type zabbixRequest struct {
	Request string       `json:"request"`
	Data    []zabbixItem `json:"data"`
}

type zabbixItem struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type zabbixResponse struct {
	Response string `json:"response"`
	Info     string `json:"info"`
}

// Zabbix sends alert events to a Zabbix trapper item.
type Zabbix struct {
	cfg types.ZabbixConfig
}

// NewZabbix returns a Zabbix hook.
func NewZabbix(cfg types.ZabbixConfig) *Zabbix {
	cfg.Port = cmp.Or(cfg.Port, DefaultZabbixPort)
	return &Zabbix{cfg: cfg}
}

// Name identifies the hook in logs.
func (z *Zabbix) Name() string { return "zabbix" }

// Notify sends ev as a key=value trapper value.
func (z *Zabbix) Notify(ctx context.Context, ev types.AlertEvent) error {
	if !util.IsConfigured(z.cfg.Server, z.cfg.Host, z.cfg.Key) {
		return nil
	}
	req := zabbixRequest{
		Request: "sender data",
		Data:    []zabbixItem{{Host: z.cfg.Host, Key: z.cfg.Key, Value: zabbixValue(&ev)}},
	}
	return sendZabbixPayload(ctx, net.JoinHostPort(z.cfg.Server, strconv.Itoa(z.cfg.Port)), req)
}

// zabbixValue renders ev in the trapper's key=value format.
func zabbixValue(ev *types.AlertEvent) string {
	var event string
	switch ev.Kind {
	case types.AlertSilenceDetected:
		event = "SILENCE"
	case types.AlertAudioRestored:
		event = "RECOVERY"
	case types.AlertSilenceReminder:
		event = "REMINDER"
	default:
		event = strings.ToUpper(string(ev.Kind))
	}
	v := fmt.Sprintf("event=%s level=%.1f silence=%.1f clear=%.1f",
		event, audio.Finite(ev.LevelDB), ev.Thresholds.SilenceDB, ev.Thresholds.ClearDB)
	if ev.Duration > 0 {
		v += fmt.Sprintf(" duration_ms=%d", ev.Duration.Milliseconds())
	}
	return v
}

// sendZabbixPayload sends a payload to the Zabbix server.
func sendZabbixPayload(ctx context.Context, addr string, payload zabbixRequest) error {
	dialer := net.Dialer{Timeout: zabbixTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return util.WrapError("connect to zabbix", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(zabbixTimeout)); err != nil {
		return util.WrapError("set deadline", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal zabbix payload", err)
	}

	// Build header: "ZBXD\x01" + 8-byte little endian length
	header := make([]byte, zabbixHeaderSize)
	copy(header[0:5], zabbixMagic[:])
	binary.LittleEndian.PutUint64(header[5:], uint64(len(data)))

	if _, err := conn.Write(header); err != nil {
		return util.WrapError("write zabbix header", err)
	}
	if _, err := conn.Write(data); err != nil {
		return util.WrapError("write zabbix payload", err)
	}

	// Read reply header
	replyHeader := make([]byte, zabbixHeaderSize)
	if _, err := io.ReadFull(conn, replyHeader); err != nil {
		return util.WrapError("read zabbix reply header", err)
	}
	if !bytes.Equal(replyHeader[0:5], zabbixMagic[:]) {
		return fmt.Errorf("invalid zabbix reply header")
	}

	replyLen := binary.LittleEndian.Uint64(replyHeader[5:zabbixHeaderSize])
	if replyLen == 0 {
		return fmt.Errorf("empty zabbix reply")
	}
	if replyLen > maxReplySize {
		return fmt.Errorf("zabbix reply too large: %d bytes (max %d)", replyLen, maxReplySize)
	}

	reply := make([]byte, replyLen)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return util.WrapError("read zabbix reply body", err)
	}

	var resp zabbixResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return util.WrapError("parse zabbix reply", err)
	}

	if resp.Response == "failed" {
		return fmt.Errorf("zabbix rejected data: %s", resp.Info)
	}

	// Host or key unknown to Zabbix.
	if strings.Contains(resp.Info, "processed: 0;") && strings.Contains(resp.Info, "failed: 0;") {
		return fmt.Errorf("zabbix processed no items (check host/key config)")
	}

	return nil
}
