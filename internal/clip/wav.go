// Package clip cuts short fixed-duration excerpts out of downloaded
// segment audio. Only PCM WAV is handled; that is what the provider
// serves and what the oracle consumes.
package clip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Info describes the PCM payload of a WAV file.
type Info struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataOffset    int64 // file offset of the first sample byte
	DataLen       int64 // bytes of sample data
}

var ErrNotWAV = errors.New("not a PCM WAV file")

// BlockAlign returns the byte size of one sample frame.
func (i *Info) BlockAlign() int {
	return i.Channels * i.BitsPerSample / 8
}

// ByteRate returns the sample data bytes per second.
func (i *Info) ByteRate() int {
	return i.SampleRate * i.BlockAlign()
}

// Duration returns the audio length of the data chunk.
func (i *Info) Duration() time.Duration {
	if i.ByteRate() == 0 {
		return 0
	}
	return time.Duration(float64(i.DataLen) / float64(i.ByteRate()) * float64(time.Second))
}

// ReadInfo parses the RIFF header and locates the fmt and data chunks.
func ReadInfo(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readInfo(f)
}

func readInfo(f *os.File) (*Info, error) {
	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	info := &Info{}
	var haveFmt, haveData bool
	offset := int64(12)
	for !(haveFmt && haveData) {
		var hdr [8]byte
		if _, err := f.ReadAt(hdr[:], offset); err != nil {
			return nil, fmt.Errorf("%w: truncated chunk list", ErrNotWAV)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			var fmtChunk [16]byte
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if _, err := f.ReadAt(fmtChunk[:], offset+8); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
			}
			if audioFormat := binary.LittleEndian.Uint16(fmtChunk[0:2]); audioFormat != 1 {
				return nil, fmt.Errorf("%w: unsupported audio format %d", ErrNotWAV, audioFormat)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			haveFmt = true
		case "data":
			info.DataOffset = offset + 8
			info.DataLen = size
			haveData = true
		}

		// Chunks are word-aligned
		offset += 8 + size + (size & 1)
	}

	if info.BlockAlign() == 0 || info.SampleRate == 0 {
		return nil, fmt.Errorf("%w: degenerate fmt chunk", ErrNotWAV)
	}
	return info, nil
}

// writeWAV writes a PCM WAV file with the given format and sample data.
func writeWAV(path string, sampleRate, channels, bits int, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	blockAlign := channels * bits / 8
	byteRate := sampleRate * blockAlign

	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(data)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(bits))
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(data)))

	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return nil
}

// WriteSilence writes a silent PCM WAV of the given duration. Fixture
// helper shared by the package tests and the pipeline tests.
func WriteSilence(path string, d time.Duration, sampleRate, channels, bits int) error {
	blockAlign := channels * bits / 8
	frames := int(float64(sampleRate) * d.Seconds())
	return writeWAV(path, sampleRate, channels, bits, make([]byte, frames*blockAlign))
}
