package audio

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBlocks(t *testing.T) {
	pcm := EncodeS16LE(make([]float64, 250))
	out := make(chan SampleBlock, 10)

	err := readBlocks(context.Background(), bytes.NewReader(pcm), 100, newBlockSender(out, 48000, nil))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF, "partial trailing block")

	close(out)
	var seqs []uint64
	for b := range out {
		assert.Len(t, b.Samples, 100)
		assert.Equal(t, 48000, b.SampleRate)
		seqs = append(seqs, b.Seq)
	}
	assert.Equal(t, []uint64{1, 2}, seqs)
}

func TestBlockSenderNeverBlocks(t *testing.T) {
	out := make(chan SampleBlock, 1)
	var drops int
	s := newBlockSender(out, 48000, func() { drops++ })

	assert.True(t, s.send([]float64{0}, time.Now()))
	assert.False(t, s.send([]float64{0}, time.Now()))
	assert.False(t, s.send([]float64{0}, time.Now()))

	assert.Equal(t, 2, drops)
	assert.Equal(t, uint64(2), s.dropped)
	assert.Equal(t, uint64(1), (<-out).Seq)
}

func TestNewSource(t *testing.T) {
	src, err := NewSource(SourceConfig{Device: "hw:1"})
	require.NoError(t, err)
	assert.IsType(t, &ProcessSource{}, src)
	assert.Equal(t, "hw:1", src.Device())

	_, err = NewSource(SourceConfig{Backend: "alsa-direct"})
	assert.Error(t, err)
}

func TestSourceConfigDefaults(t *testing.T) {
	cfg := SourceConfig{}.withDefaults()
	assert.Equal(t, BackendProcess, cfg.Backend)
	assert.Equal(t, 48000, cfg.SampleRate)
	assert.Equal(t, 24000, cfg.BlockFrames)
}
