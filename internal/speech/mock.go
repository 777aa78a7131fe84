package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/antoniostano/edgevoice/internal/audio"
)

// MockProvider is a local stand-in used when no speech services are configured.
// It "hears" a fixed sentence and speaks a short tone per character.
type MockProvider struct {
	Transcript string
	Format     audio.Format
}

func NewMockProvider() *MockProvider {
	return &MockProvider{Transcript: "simulated voice input", Format: audio.DefaultFormat}
}

func (p *MockProvider) Transcribe(_ context.Context, req TranscribeRequest) (string, error) {
	if len(req.Audio) == 0 {
		return "", nil
	}
	return p.Transcript, nil
}

func (p *MockProvider) Synthesize(_ context.Context, req SynthesizeRequest) ([]byte, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrNoAudio
	}
	samples := len([]rune(text)) * 160
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(2000)
		if (i/20)%2 == 1 {
			v = -2000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return encodeWAV(pcm, p.Format)
}

func (p *MockProvider) Health(context.Context) error { return nil }

// encodeWAV goes through a temp file because the WAV encoder needs to seek
// back and patch chunk sizes.
func encodeWAV(pcm []byte, f audio.Format) ([]byte, error) {
	dir, err := os.MkdirTemp("", "edgevoice-mock-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "tone.wav")
	if err := audio.WriteWAVFile(path, pcm, f); err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, fh); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
