//go:build !portaudio

package audio

import "errors"

// errNoPortAudio is returned when the binary was built without PortAudio.
var errNoPortAudio = errors.New("portaudio backend not compiled in (build with -tags portaudio)")

func newPortAudioSource(SourceConfig) (Source, error) {
	return nil, errNoPortAudio
}

func portAudioDevices() ([]Device, error) {
	return nil, errNoPortAudio
}
