package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM   = 1
	wavFormatAlaw  = 6
	wavFormatMulaw = 7
)

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// EncodeWAV writes pcm wrapped in a WAV container.
func EncodeWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	frame := format.FrameSize()
	if frame == 0 {
		return fmt.Errorf("encode wav: invalid format %+v", format)
	}
	if len(pcm)%frame != 0 {
		return fmt.Errorf("encode wav: %d bytes is not a whole number of frames", len(pcm))
	}

	audioFormat := wavFormatPCM
	switch format.Encoding {
	case EncodingPCMMulaw:
		audioFormat = wavFormatMulaw
	case EncodingPCMAlaw:
		audioFormat = wavFormatAlaw
	}

	samples := make([]int, 0, len(pcm)/(format.BitDepth/8))
	switch format.BitDepth {
	case 16:
		for i := 0; i+1 < len(pcm); i += 2 {
			samples = append(samples, int(int16(binary.LittleEndian.Uint16(pcm[i:]))))
		}
	case 8:
		for _, b := range pcm {
			samples = append(samples, int(b))
		}
	default:
		return fmt.Errorf("encode wav: unsupported bit depth %d", format.BitDepth)
	}

	enc := wav.NewEncoder(w, format.SampleRate, format.BitDepth, format.Channels, audioFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	return enc.Close()
}

// WAVBytes is EncodeWAV into memory.
func WAVBytes(pcm []byte, format Format) ([]byte, error) {
	var ws writeSeeker
	if err := EncodeWAV(&ws, pcm, format); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// DecodeWAV strips the container from a WAV file and returns raw
// little-endian PCM with the sample rate and bit depth it declared.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, errors.New("decode wav: not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}

	format := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	switch dec.WavAudioFormat {
	case wavFormatMulaw:
		format.Encoding = EncodingPCMMulaw
	case wavFormatAlaw:
		format.Encoding = EncodingPCMAlaw
	default:
		format.Encoding = EncodingPCMLinear
	}

	var pcm []byte
	switch format.BitDepth {
	case 16:
		pcm = make([]byte, 2*len(buf.Data))
		for i, v := range buf.Data {
			binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v)))
		}
	case 8:
		pcm = make([]byte, len(buf.Data))
		for i, v := range buf.Data {
			pcm[i] = byte(v)
		}
	default:
		return nil, Format{}, fmt.Errorf("decode wav: unsupported bit depth %d", format.BitDepth)
	}
	return pcm, format, nil
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back
// to patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("seek: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	w.pos = int(next)
	return next, nil
}
