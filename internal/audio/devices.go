package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// DeviceListConfig defines how to list audio devices for a platform.
type DeviceListConfig struct {
	// Command and args to list devices.
	Command []string

	// AudioStartMarker indicates the start of audio devices section.
	AudioStartMarker string

	// AudioStopMarker indicates the end of audio devices section (optional).
	AudioStopMarker string

	// DevicePattern is the regex to extract device info.
	DevicePattern *regexp.Regexp

	// ParseDevice converts regex matches to a Device.
	ParseDevice func(matches []string) *Device

	// FallbackDevices are returned if detection fails.
	FallbackDevices []Device
}

// ProcessDevices returns the capture devices visible to the process backend.
func ProcessDevices() []Device {
	cfg := getPlatformConfig()
	return cfg.Devices()
}

// parseDeviceList runs the platform listing command and parses its output.
//
//nolint:gocritic // hugeParam: called once per listing
func parseDeviceList(cfg DeviceListConfig) []Device {
	if len(cfg.Command) == 0 {
		return indexDevices(cfg.FallbackDevices)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil && len(output) == 0 {
		slog.Error("failed to list audio devices", "command", cfg.Command[0], "error", err)
		return indexDevices(cfg.FallbackDevices)
	}

	devices := parseDeviceOutput(string(output), &cfg)
	if len(devices) == 0 {
		return indexDevices(cfg.FallbackDevices)
	}
	return devices
}

// parseDeviceOutput extracts devices from listing output and numbers them in order.
func parseDeviceOutput(output string, cfg *DeviceListConfig) []Device {
	if cfg.DevicePattern == nil || cfg.ParseDevice == nil {
		return nil
	}

	var devices []Device
	inAudioSection := cfg.AudioStartMarker == "" // If no marker, always in section

	for line := range strings.SplitSeq(output, "\n") {
		if cfg.AudioStartMarker != "" && strings.Contains(line, cfg.AudioStartMarker) {
			inAudioSection = true
			continue
		}
		if cfg.AudioStopMarker != "" && strings.Contains(line, cfg.AudioStopMarker) {
			inAudioSection = false
			continue
		}
		if !inAudioSection {
			continue
		}

		// Skip alternative name lines (Windows DirectShow).
		if strings.Contains(line, "Alternative name") {
			continue
		}

		matches := cfg.DevicePattern.FindStringSubmatch(line)
		if len(matches) == 0 {
			continue
		}
		if dev := cfg.ParseDevice(matches); dev != nil {
			devices = append(devices, *dev)
		}
	}

	return indexDevices(devices)
}

// indexDevices returns a copy of devices numbered from zero.
func indexDevices(devices []Device) []Device {
	if len(devices) == 0 {
		return nil
	}
	out := make([]Device, len(devices))
	for i, d := range devices {
		d.Index = i
		out[i] = d
	}
	return out
}

// FormatDevices renders devices one per line as "[index] name".
func FormatDevices(devices []Device) string {
	if len(devices) == 0 {
		return "No input devices found."
	}
	var b strings.Builder
	for i, d := range devices {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d] %s", d.Index, d.Name)
		if d.ID != "" && d.ID != d.Name {
			fmt.Fprintf(&b, " (%s)", d.ID)
		}
	}
	return b.String()
}
