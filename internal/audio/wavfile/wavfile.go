// Package wavfile reads the header of RIFF/WAVE files holding PCM audio.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotWAV      = errors.New("wavfile: not a RIFF/WAVE file")
	ErrNoData      = errors.New("wavfile: missing data chunk")
	ErrUnsupported = errors.New("wavfile: unsupported sample format")
)

const formatPCM = 1

// Format describes the PCM stream of a WAV file.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Parse returns the format and the raw sample bytes of a 16-bit PCM WAV file.
func Parse(data []byte) (Format, []byte, error) {
	reader := bytes.NewReader(data)

	var header [12]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return Format{}, nil, ErrNotWAV
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}

	var (
		format    Format
		sawFormat bool
	)
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(reader, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Format{}, nil, ErrNoData
			}
			return Format{}, nil, err
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			if chunk.Size < 16 {
				return Format{}, nil, fmt.Errorf("wavfile: fmt chunk of %d bytes", chunk.Size)
			}
			var fmtChunk struct {
				AudioFormat   uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(reader, binary.LittleEndian, &fmtChunk); err != nil {
				return Format{}, nil, fmt.Errorf("wavfile: read fmt chunk: %w", err)
			}
			if fmtChunk.AudioFormat != formatPCM || fmtChunk.BitsPerSample != 16 || fmtChunk.Channels == 0 {
				return Format{}, nil, fmt.Errorf("%w: format %d, %d bits, %d channels", ErrUnsupported, fmtChunk.AudioFormat, fmtChunk.BitsPerSample, fmtChunk.Channels)
			}
			format = Format{
				SampleRate: int(fmtChunk.SampleRate),
				Channels:   int(fmtChunk.Channels),
				BitDepth:   int(fmtChunk.BitsPerSample),
			}
			sawFormat = true
			if err := skip(reader, int64(chunk.Size)-16); err != nil {
				return Format{}, nil, err
			}
		case "data":
			if !sawFormat {
				return Format{}, nil, fmt.Errorf("wavfile: data chunk before fmt chunk")
			}
			size := int64(chunk.Size)
			if remaining := int64(reader.Len()); size > remaining {
				size = remaining
			}
			samples := make([]byte, size)
			if _, err := io.ReadFull(reader, samples); err != nil {
				return Format{}, nil, fmt.Errorf("wavfile: read data chunk: %w", err)
			}
			return format, samples, nil
		default:
			if err := skip(reader, int64(chunk.Size)); err != nil {
				return Format{}, nil, err
			}
		}
	}
}

// skip advances past n bytes plus the pad byte of odd sized chunks.
func skip(reader *bytes.Reader, n int64) error {
	if n%2 == 1 {
		n++
	}
	if n <= 0 {
		return nil
	}
	if n > int64(reader.Len()) {
		return ErrNoData
	}
	_, err := reader.Seek(n, io.SeekCurrent)
	return err
}
