// Package wav reads and writes 16-bit PCM WAV files and replays them as
// capture frames.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

// FrameDuration is the length of frames produced by ReadFrames.
const FrameDuration = 10 * time.Millisecond

// Header represents a WAV file header
type Header struct {
	ChunkSize     uint32
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Duration returns the length of the audio described by the header.
func (h Header) Duration() time.Duration {
	bytesPerSecond := int64(h.SampleRate) * int64(h.NumChannels) * int64(h.BitsPerSample/8)
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(int64(h.DataSize) * int64(time.Second) / bytesPerSecond)
}

// Reader decodes a WAV stream into float AudioFrames.
type Reader struct {
	r      io.Reader
	closer io.Closer
	header Header
}

// Open opens a WAV file for reading.
func Open(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	reader, err := NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	reader.closer = file
	return reader, nil
}

// NewReader parses the WAV header from r and leaves r positioned at the
// start of the sample data.
func NewReader(r io.Reader) (*Reader, error) {
	reader := &Reader{r: r}
	if err := reader.readHeader(); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return reader, nil
}

// Header returns the WAV file header information
func (r *Reader) Header() Header {
	return r.header
}

// ReadFrames reads the remaining sample data as 10ms AudioFrames. The last
// frame is zero padded.
func (r *Reader) ReadFrames() ([]rtc.AudioFrame, error) {
	channels := int(r.header.NumChannels)
	samplesPerFrame := int(r.header.SampleRate) * int(FrameDuration/time.Millisecond) / 1000
	bytesPerFrame := samplesPerFrame * channels * 2

	data := io.LimitReader(r.r, int64(r.header.DataSize))
	buffer := make([]byte, bytesPerFrame)

	var frames []rtc.AudioFrame
	for index := 0; ; index++ {
		n, err := io.ReadFull(data, buffer)
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("failed to read audio data: %w", err)
		}

		// Pad with zeros if we didn't read a full frame
		clear(buffer[n:])

		frames = append(frames, rtc.AudioFrame{
			Samples:     rtc.DecodePCM16(buffer),
			SampleRate:  int(r.header.SampleRate),
			NumChannels: channels,
			Timestamp:   time.Duration(index) * FrameDuration,
		})

		if err != nil {
			break
		}
	}

	return frames, nil
}

// Close closes the underlying file when the reader was created with Open.
func (r *Reader) Close() error {
	if r.closer != nil {
		err := r.closer.Close()
		r.closer = nil
		return err
	}
	return nil
}

// ReadFile decodes a whole WAV file into 10ms frames.
func ReadFile(filename string) ([]rtc.AudioFrame, Header, error) {
	reader, err := Open(filename)
	if err != nil {
		return nil, Header{}, err
	}
	defer reader.Close()

	frames, err := reader.ReadFrames()
	if err != nil {
		return nil, Header{}, err
	}
	return frames, reader.header, nil
}

// readHeader reads and validates the WAV file header
func (r *Reader) readHeader() error {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r.r, riffHeader[:]); err != nil {
		return fmt.Errorf("failed to read RIFF header: %w", err)
	}

	if string(riffHeader[0:4]) != "RIFF" {
		return fmt.Errorf("not a valid RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return fmt.Errorf("not a valid WAVE file")
	}

	r.header.ChunkSize = binary.LittleEndian.Uint32(riffHeader[4:8])

	if err := r.readFmtChunk(); err != nil {
		return err
	}
	if err := r.readDataChunk(); err != nil {
		return err
	}

	if r.header.BitsPerSample != 16 {
		return fmt.Errorf("only 16-bit samples are supported, got %d-bit", r.header.BitsPerSample)
	}
	if r.header.NumChannels != 1 && r.header.NumChannels != 2 {
		return fmt.Errorf("only mono and stereo are supported, got %d channels", r.header.NumChannels)
	}
	if r.header.SampleRate < 8000 || r.header.SampleRate > 48000 {
		return fmt.Errorf("sample rate %dHz outside 8kHz-48kHz", r.header.SampleRate)
	}

	return nil
}

// nextChunk reads a chunk header.
func (r *Reader) nextChunk() (string, uint32, error) {
	var chunkHeader [8]byte
	if _, err := io.ReadFull(r.r, chunkHeader[:]); err != nil {
		return "", 0, fmt.Errorf("failed to read chunk header: %w", err)
	}
	return string(chunkHeader[0:4]), binary.LittleEndian.Uint32(chunkHeader[4:8]), nil
}

// skip discards n bytes plus the pad byte RIFF adds to odd-sized chunks.
func (r *Reader) skip(n uint32) error {
	if n%2 == 1 {
		n++
	}
	if _, err := io.CopyN(io.Discard, r.r, int64(n)); err != nil {
		return fmt.Errorf("failed to skip chunk: %w", err)
	}
	return nil
}

func (r *Reader) readFmtChunk() error {
	for {
		chunkID, chunkSize, err := r.nextChunk()
		if err != nil {
			return err
		}

		if chunkID != "fmt " {
			if err := r.skip(chunkSize); err != nil {
				return err
			}
			continue
		}

		if chunkSize < 16 {
			return fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
		}

		var fmtData [16]byte
		if _, err := io.ReadFull(r.r, fmtData[:]); err != nil {
			return fmt.Errorf("failed to read fmt data: %w", err)
		}

		audioFormat := binary.LittleEndian.Uint16(fmtData[0:2])
		if audioFormat != 1 {
			return fmt.Errorf("only PCM format is supported, got format %d", audioFormat)
		}

		r.header.NumChannels = binary.LittleEndian.Uint16(fmtData[2:4])
		r.header.SampleRate = binary.LittleEndian.Uint32(fmtData[4:8])
		r.header.BitsPerSample = binary.LittleEndian.Uint16(fmtData[14:16])

		if chunkSize > 16 {
			return r.skip(chunkSize - 16)
		}
		return nil
	}
}

// readDataChunk leaves the reader at the start of the audio data.
func (r *Reader) readDataChunk() error {
	for {
		chunkID, chunkSize, err := r.nextChunk()
		if err != nil {
			return err
		}
		if chunkID == "data" {
			r.header.DataSize = chunkSize
			return nil
		}
		if err := r.skip(chunkSize); err != nil {
			return err
		}
	}
}
