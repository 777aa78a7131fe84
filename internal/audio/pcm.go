package audio

import "time"

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate  int
	Channels    int
	SampleWidth int
}

// DefaultFormat is what the edge devices record and play: 16kHz mono 16-bit.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, SampleWidth: 2}

func (f Format) normalized() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultFormat.Channels
	}
	if f.SampleWidth <= 0 {
		f.SampleWidth = DefaultFormat.SampleWidth
	}
	return f
}

// FrameSize is the byte length of one sample across all channels.
func (f Format) FrameSize() int {
	f = f.normalized()
	return f.SampleWidth * f.Channels
}

// BytesPerSecond is the real-time playback byte rate.
func (f Format) BytesPerSecond() int {
	f = f.normalized()
	return f.SampleRate * f.Channels * f.SampleWidth
}

// Duration returns how long n bytes take to play.
func (f Format) Duration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.BytesPerSecond())
}

// TrimToFrames drops a trailing partial frame.
func TrimToFrames(pcm []byte, f Format) []byte {
	frame := f.FrameSize()
	return pcm[:len(pcm)-len(pcm)%frame]
}
