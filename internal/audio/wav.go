package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavPCMFormat = 1

// WriteWAVFile stores little-endian PCM as a WAV file at path.
func WriteWAVFile(path string, pcm []byte, f Format) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(out, pcm, f); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return err
	}
	return out.Close()
}

// WriteWAV encodes little-endian PCM into a WAV container.
func WriteWAV(out io.WriteSeeker, pcm []byte, f Format) error {
	f = f.normalized()
	pcm = TrimToFrames(pcm, f)

	enc := wav.NewEncoder(out, f.SampleRate, f.SampleWidth*8, f.Channels, wavPCMFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           pcmToInts(pcm, f.SampleWidth),
		SourceBitDepth: f.SampleWidth * 8,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// IsWAV sniffs the RIFF/WAVE magic.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodePCM returns 16-bit little-endian PCM for a WAV payload, downmixed to
// mono when the container carries more channels. Non-WAV payloads are treated
// as raw PCM in the fallback format.
func DecodePCM(data []byte, fallback Format) ([]byte, Format, error) {
	if !IsWAV(data) {
		fallback = fallback.normalized()
		return TrimToFrames(data, fallback), fallback, nil
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, errors.New("invalid wav")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, Format{}, errors.New("empty wav")
	}

	depth := int(dec.BitDepth)
	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	if buf.Format != nil {
		if buf.Format.NumChannels > 0 {
			channels = buf.Format.NumChannels
		}
		if buf.Format.SampleRate > 0 {
			rate = buf.Format.SampleRate
		}
	}
	if channels <= 0 {
		channels = 1
	}

	samples := make([]int16, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += to16(buf.Data[i+c], depth)
		}
		samples = append(samples, int16(sum/channels))
	}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm, Format{SampleRate: rate, Channels: 1, SampleWidth: 2}, nil
}

func to16(v, depth int) int {
	switch depth {
	case 8:
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

func pcmToInts(pcm []byte, width int) []int {
	switch width {
	case 1:
		out := make([]int, len(pcm))
		for i, b := range pcm {
			out[i] = int(b)
		}
		return out
	default:
		out := make([]int, len(pcm)/2)
		for i := range out {
			out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		}
		return out
	}
}
