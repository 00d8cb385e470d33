package notify

import (
	"bytes"
	"io"
	"os"

	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// Log tail limits for alert attachments.
const (
	DefaultTailLines = 400
	DefaultTailBytes = 256 << 10
)

// Tail returns the last maxLines non-empty lines of the file at path,
// reading at most maxBytes from its end.
func Tail(path string, maxLines int, maxBytes int64) ([]byte, error) {
	if maxLines <= 0 {
		maxLines = DefaultTailLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, util.WrapError("open log file", err)
	}
	defer f.Close() //nolint:errcheck // Read-only

	info, err := f.Stat()
	if err != nil {
		return nil, util.WrapError("stat log file", err)
	}

	offset := max(info.Size()-maxBytes, 0)
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, util.WrapError("read log file", err)
	}

	// The first line is partial when reading from the middle of the file.
	if offset > 0 {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		} else {
			buf = nil
		}
	}

	lines := bytes.Split(buf, []byte{'\n'})
	kept := make([][]byte, 0, maxLines)
	for i := len(lines) - 1; i >= 0 && len(kept) < maxLines; i-- {
		if len(bytes.TrimSpace(lines[i])) == 0 {
			continue
		}
		kept = append(kept, bytes.TrimRight(lines[i], "\r"))
	}

	var out bytes.Buffer
	for i := len(kept) - 1; i >= 0; i-- {
		out.Write(kept[i])
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}
