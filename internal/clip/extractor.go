package clip

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Fixed clip window around a detected event: 2 seconds of lead-in and
// 2 seconds after, 4 seconds total before boundary clamping.
const (
	Lead = 2 * time.Second
	Tail = 2 * time.Second
)

// Extract cuts [center-lead, center+tail] out of the segment WAV at
// srcPath and writes it as a standalone WAV at dstPath. The window is
// clamped to the segment's own bounds: an event near a boundary yields
// a shorter clip reflecting the available audio only, which is accepted
// behaviour, not an error.
func Extract(srcPath, dstPath string, center time.Time, segStart time.Time, lead, tail time.Duration) error {
	info, err := ReadInfo(srcPath)
	if err != nil {
		return fmt.Errorf("clip source %s: %w", srcPath, err)
	}

	offset := center.Sub(segStart)
	from := offset - lead
	to := offset + tail
	dur := info.Duration()
	if from < 0 {
		from = 0
	}
	if to > dur {
		to = dur
	}
	if to < from {
		to = from
	}

	blockAlign := int64(info.BlockAlign())
	startByte := int64(from.Seconds()*float64(info.ByteRate())) / blockAlign * blockAlign
	endByte := int64(to.Seconds()*float64(info.ByteRate())) / blockAlign * blockAlign
	if endByte > info.DataLen {
		endByte = info.DataLen
	}
	if startByte > endByte {
		startByte = endByte
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	data := make([]byte, endByte-startByte)
	if _, err := src.ReadAt(data, info.DataOffset+startByte); err != nil && err != io.EOF {
		return fmt.Errorf("reading clip window: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	if err := writeWAV(dstPath, info.SampleRate, info.Channels, info.BitsPerSample, data); err != nil {
		return fmt.Errorf("writing clip %s: %w", dstPath, err)
	}
	return nil
}

// Dir returns the per-user, per-segment clip namespace under root.
func Dir(root, userID, segmentID string) string {
	return filepath.Join(root, userID, segmentID)
}
