package audio

import "regexp"

// Device represents an available audio input device.
type Device struct {
	// Index is the position in the enumerated list, used by -device.
	Index int `json:"index"`
	// ID is the backend-specific device identifier.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}

// radioPattern matches device names that feed a broadcast receiver.
var radioPattern = regexp.MustCompile(`(?i)\b(fm|radio)\b`)

// Label returns the name used in alert subjects. Receiver inputs are
// reported as "Radio FM" so operators recognise them regardless of driver
// naming.
func (d Device) Label() string {
	if radioPattern.MatchString(d.Name) {
		return "Radio FM"
	}
	if d.Name == "" {
		return d.ID
	}
	return d.Name
}
