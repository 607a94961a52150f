package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

// Writer writes 16-bit PCM WAV files. Sizes in the header are patched on Close.
type Writer struct {
	file          *os.File
	sampleRate    uint32
	numChannels   uint16
	bitsPerSample uint16
	dataBytes     uint32
}

// NewWriter creates a new WAV file writer
func NewWriter(filename string, sampleRate uint32, numChannels uint16) (*Writer, error) {
	if sampleRate == 0 || numChannels == 0 {
		return nil, fmt.Errorf("invalid WAV format: %dHz, %d channels", sampleRate, numChannels)
	}

	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	writer := &Writer{
		file:          file,
		sampleRate:    sampleRate,
		numChannels:   numChannels,
		bitsPerSample: 16,
	}

	if err := writer.writeHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return writer, nil
}

// Write appends raw little-endian PCM16 sample data. It implements io.Writer
// so a Writer can record a playback.Player's output directly.
func (w *Writer) Write(pcm []byte) (int, error) {
	if w.file == nil {
		return 0, os.ErrClosed
	}
	n, err := w.file.Write(pcm)
	w.dataBytes += uint32(n)
	if err != nil {
		return n, fmt.Errorf("failed to write samples: %w", err)
	}
	return n, nil
}

// WritePCM16 appends raw PCM16 sample data.
func (w *Writer) WritePCM16(pcm []byte) error {
	_, err := w.Write(pcm)
	return err
}

// WriteFrame converts a float frame to PCM16 at the writer's format.
func (w *Writer) WriteFrame(frame *rtc.AudioFrame) error {
	samples := frame.Samples
	if int(w.numChannels) == 1 {
		samples = rtc.Downmix(samples, frame.NumChannels)
		if frame.Rate() != int(w.sampleRate) {
			samples = rtc.ResampleLinear(samples, frame.Rate(), int(w.sampleRate))
		}
	} else if frame.NumChannels != int(w.numChannels) || frame.Rate() != int(w.sampleRate) {
		return fmt.Errorf("frame format %dHz/%dch does not match writer %dHz/%dch",
			frame.Rate(), frame.NumChannels, w.sampleRate, w.numChannels)
	}
	return w.WritePCM16(rtc.EncodePCM16(samples))
}

// WriteSineWave writes a sine wave of the specified frequency and duration
func (w *Writer) WriteSineWave(frequency float64, durationMs int) error {
	samplesPerChannel := int(w.sampleRate) * durationMs / 1000
	pcm := make([]byte, 0, samplesPerChannel*int(w.numChannels)*2)

	for i := 0; i < samplesPerChannel; i++ {
		t := float64(i) / float64(w.sampleRate)
		sample := int16(math.Sin(2*math.Pi*frequency*t) * 32767 * 0.5) // 50% amplitude

		for ch := 0; ch < int(w.numChannels); ch++ {
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(sample))
		}
	}

	return w.WritePCM16(pcm)
}

// Close finalizes the WAV file by updating the header with correct sizes
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	chunkSize := w.dataBytes + 36

	if _, err := w.file.Seek(4, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to seek to chunk size: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, chunkSize); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to write chunk size: %w", err)
	}

	if _, err := w.file.Seek(40, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to seek to data size: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.dataBytes); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to write data size: %w", err)
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// writeHeader writes a 44-byte canonical header with zero sizes.
func (w *Writer) writeHeader() error {
	byteRate := w.sampleRate * uint32(w.numChannels) * uint32(w.bitsPerSample) / 8
	blockAlign := w.numChannels * w.bitsPerSample / 8

	header := make([]byte, 0, 44)
	header = append(header, "RIFF"...)
	header = binary.LittleEndian.AppendUint32(header, 0)
	header = append(header, "WAVE"...)
	header = append(header, "fmt "...)
	header = binary.LittleEndian.AppendUint32(header, 16)
	header = binary.LittleEndian.AppendUint16(header, 1) // PCM
	header = binary.LittleEndian.AppendUint16(header, w.numChannels)
	header = binary.LittleEndian.AppendUint32(header, w.sampleRate)
	header = binary.LittleEndian.AppendUint32(header, byteRate)
	header = binary.LittleEndian.AppendUint16(header, blockAlign)
	header = binary.LittleEndian.AppendUint16(header, w.bitsPerSample)
	header = append(header, "data"...)
	header = binary.LittleEndian.AppendUint32(header, 0)

	_, err := w.file.Write(header)
	return err
}
