package notify

import (
	"bytes"
	"cmp"
	"fmt"
	"html/template"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// Subject titles per alert kind.
const (
	TitleSilenceDetected  = "Audio Loss Alert"
	TitleAudioRestored    = "Audio Restored"
	TitleSilenceReminder  = "Audio Loss Reminder"
	TitleDeliveryRestored = "System Notice: Alert Delivery Restored"
)

// Title returns the subject title for an alert kind.
func Title(kind types.AlertKind) string {
	switch kind {
	case types.AlertSilenceDetected:
		return TitleSilenceDetected
	case types.AlertAudioRestored:
		return TitleAudioRestored
	case types.AlertSilenceReminder:
		return TitleSilenceReminder
	case types.AlertDeliveryRestored:
		return TitleDeliveryRestored
	default:
		return string(kind)
	}
}

// Subject returns "[City, Country] [device] Title". Delivery notices carry
// no device.
func Subject(ev *types.AlertEvent) string {
	loc := ev.Location
	if loc.City == "" && loc.Country == "" {
		loc = types.UnknownLocation()
	}
	if ev.Kind == types.AlertDeliveryRestored || ev.DeviceLabel == "" {
		return fmt.Sprintf("[%s] %s", loc, Title(ev.Kind))
	}
	return fmt.Sprintf("[%s] [%s] %s", loc, sanitizeHeader(ev.DeviceLabel), Title(ev.Kind))
}

// field is one key/value line of the message body.
type field struct {
	Key   string
	Value string
}

// fields returns the body lines for ev in display order.
func fields(ev *types.AlertEvent) []field {
	loc := ev.Location
	out := []field{
		{"Time", util.HumanTime(ev.Timestamp)},
		{"City", cmp.Or(loc.City, types.UnknownPlace)},
		{"Country", cmp.Or(loc.Country, types.UnknownPlace)},
	}

	switch ev.Kind {
	case types.AlertDeliveryRestored:
		missed := make([]string, len(ev.Missed))
		for i, t := range ev.Missed {
			missed[i] = util.HumanTime(t)
		}
		out = append(out,
			field{"Missed Alerts", fmt.Sprintf("%d", len(ev.Missed))},
			field{"Missed At", strings.Join(missed, "; ")},
		)
		if ev.LastError != "" {
			out = append(out, field{"Last Error", ev.LastError})
		}
		return out

	case types.AlertAudioRestored:
		out = append(out,
			field{"Device", ev.DeviceLabel},
			field{"Audio Level", FormatLevel(ev.LevelDB)},
			field{"Clear Threshold", FormatLevel(ev.Thresholds.ClearDB)},
			field{"Silence Duration", util.FormatDuration(ev.Duration)},
		)

	default:
		out = append(out,
			field{"Device", ev.DeviceLabel},
			field{"Audio Level", FormatLevel(ev.LevelDB)},
			field{"Silence Threshold", FormatLevel(ev.Thresholds.SilenceDB)},
		)
		if ev.Kind == types.AlertSilenceReminder {
			out = append(out, field{"Silent For", util.FormatDuration(ev.Duration)})
		}
	}

	if ev.IncidentID != "" {
		out = append(out, field{"Incident", ev.IncidentID})
	}
	return out
}

// FormatLevel renders a dBFS value, spelling out digital silence.
func FormatLevel(db float64) string {
	if math.IsInf(db, -1) {
		return "-inf dBFS (digital silence)"
	}
	return fmt.Sprintf("%.1f dBFS", db)
}

// Compose builds the subject and bodies for ev.
func Compose(ev *types.AlertEvent) Message {
	fs := fields(ev)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", Title(ev.Kind))
	for _, f := range fs {
		fmt.Fprintf(&b, "%s: %s\n", f.Key, f.Value)
	}
	switch ev.Kind {
	case types.AlertSilenceDetected:
		b.WriteString("\nSilence is ongoing. Please check the audio source.\n")
	case types.AlertDeliveryRestored:
		b.WriteString("\nEarlier alerts may not have been delivered. Normal operation has resumed.\n")
	}

	msg := Message{Subject: Subject(ev), Body: b.String()}
	var tr *trendView
	trend, err := TrendAttachment(ev)
	if err != nil {
		slog.Warn("failed to render level trend", "error", err)
	}
	if trend != nil {
		tr = newTrendView(ev)
		msg.Attachments = append(msg.Attachments, *trend)
	}
	msg.HTML = renderHTML(Title(ev.Kind), fs, tr)
	return msg
}

// trendView describes the embedded level graph.
type trendView struct {
	ContentID string
	Caption   string
}

func newTrendView(ev *types.AlertEvent) *trendView {
	first, last := ev.History[0], ev.History[len(ev.History)-1]
	bottom, top := trendRange(ev.History, ev.Thresholds)
	return &trendView{
		ContentID: TrendContentID,
		Caption: fmt.Sprintf("Audio level from %s to %s (%.0f to %.0f dBFS). Green: clear threshold %s. Red: silence threshold %s.",
			first.At.Format(time.TimeOnly), last.At.Format(time.TimeOnly), bottom, top,
			FormatLevel(ev.Thresholds.ClearDB), FormatLevel(ev.Thresholds.SilenceDB)),
	}
}

var htmlBody = template.Must(template.New("alert").Parse(`<html><body style="font-family:sans-serif">
<h2>{{.Title}}</h2>
<table cellpadding="4" style="border-collapse:collapse">
{{- range .Fields}}
<tr><td><b>{{.Key}}</b></td><td>{{.Value}}</td></tr>
{{- end}}
</table>
{{- with .Trend}}
<p><img src="cid:{{.ContentID}}" alt="Audio level trend" width="640" height="240"><br>
<small>{{.Caption}}</small></p>
{{- end}}
</body></html>
`))

func renderHTML(title string, fs []field, trend *trendView) string {
	var buf bytes.Buffer
	if err := htmlBody.Execute(&buf, struct {
		Title  string
		Fields []field
		Trend  *trendView
	}{title, fs, trend}); err != nil {
		return ""
	}
	return buf.String()
}

// TitleTest is the subject title of a test message.
const TitleTest = "Test Alert"

// ComposeTest builds the message sent by the email test endpoint.
func ComposeTest(loc types.LocationInfo, device string, at time.Time) Message {
	if loc.City == "" && loc.Country == "" {
		loc = types.UnknownLocation()
	}
	fs := []field{
		{"Device", cmp.Or(device, "unknown")},
		{"Location", loc.String()},
		{"Time", util.HumanTime(at)},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", TitleTest)
	for _, f := range fs {
		fmt.Fprintf(&b, "%s: %s\n", f.Key, f.Value)
	}
	b.WriteString("\nAlert delivery is configured correctly. No action is required.\n")

	return Message{
		Subject: fmt.Sprintf("[%s] %s", loc, TitleTest),
		Body:    b.String(),
		HTML:    renderHTML(TitleTest, fs, nil),
	}
}

// LogAttachmentName returns the filename for a log tail taken at t.
func LogAttachmentName(t time.Time) string {
	return "silencewatch_log_" + util.FileTimestamp(t) + ".txt"
}

// sanitizeHeader strips characters that would break a mail header.
func sanitizeHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}
