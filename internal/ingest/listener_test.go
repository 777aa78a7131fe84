package ingest

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/edgevoice/internal/audio"
	"github.com/antoniostano/edgevoice/internal/session"
)

type recordingSink struct {
	mu         sync.Mutex
	starts     []string
	startAddrs []string
	started    chan struct{}
	recordings chan Recording
}

func newRecordingSink() *recordingSink {
	return &recordingSink{started: make(chan struct{}, 4), recordings: make(chan Recording, 4)}
}

func (s *recordingSink) SessionStart(_ context.Context, dev, addr string) error {
	s.mu.Lock()
	s.starts = append(s.starts, dev)
	s.startAddrs = append(s.startAddrs, addr)
	s.mu.Unlock()
	s.started <- struct{}{}
	return nil
}

func (s *recordingSink) Recording(_ context.Context, rec Recording) error {
	s.recordings <- rec
	return nil
}

func startListener(t *testing.T, sink Sink) *Listener {
	t.Helper()
	l := NewListener(Config{
		Addr:                "127.0.0.1:0",
		FirstChunkTimeout:   time.Second,
		PullReadTimeout:     100 * time.Millisecond,
		PullMaxReadTimeouts: 3,
		PushReadTimeout:     50 * time.Millisecond,
		PushMaxReadTimeouts: 2,
		RecordingsDir:       t.TempDir(),
	}, sink, nil, nil)
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = l.Close()
	})
	return l
}

func dial(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func pcmBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i%200) + 1
	}
	return out
}

func waitRecording(t *testing.T, sink *recordingSink) Recording {
	t.Helper()
	select {
	case rec := <-sink.recordings:
		return rec
	case <-time.After(3 * time.Second):
		t.Fatalf("no recording delivered")
		return Recording{}
	}
}

func readSavedPCM(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	pcm, _, err := audio.DecodePCM(data, audio.DefaultFormat)
	if err != nil {
		t.Fatalf("DecodePCM() error = %v", err)
	}
	return pcm
}

func TestBytesAfterSentinelAreDropped(t *testing.T) {
	sink := newRecordingSink()
	l := startListener(t, sink)
	conn := dial(t, l)

	a := pcmBytes(3000)
	payload := append(append(append([]byte(nil), a...), RecordingComplete...), bytes.Repeat([]byte{0xEE}, 700)...)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := waitRecording(t, sink)
	if rec.Bytes != len(a) {
		t.Fatalf("recording bytes = %d, want %d", rec.Bytes, len(a))
	}
	if got := readSavedPCM(t, rec.Path); !bytes.Equal(got, a) {
		t.Fatalf("saved pcm differs from bytes before the sentinel")
	}
	if rec.Mode != session.ModePush || rec.DeviceClass() != "WiFi" {
		t.Fatalf("mode = %q class = %q, want push/WiFi", rec.Mode, rec.DeviceClass())
	}
	if rec.Device != "00:00:7F:00:00:01" {
		t.Fatalf("device = %q, want fallback from 127.0.0.1", rec.Device)
	}
}

func TestSentinelSplitAcrossReads(t *testing.T) {
	sink := newRecordingSink()
	l := startListener(t, sink)
	conn := dial(t, l)

	a := pcmBytes(2400)
	_, _ = conn.Write(append(append([]byte(nil), a...), "RECORDING_"...))
	time.Sleep(20 * time.Millisecond)
	_, _ = conn.Write([]byte("COMPLETEtrailing"))

	rec := waitRecording(t, sink)
	if rec.Bytes != len(a) {
		t.Fatalf("recording bytes = %d, want %d", rec.Bytes, len(a))
	}
}

func TestShortRecordingIsRejected(t *testing.T) {
	sink := newRecordingSink()
	l := startListener(t, sink)
	conn := dial(t, l)

	_, _ = conn.Write(append(pcmBytes(999), RecordingComplete...))

	deadline := time.Now().Add(2 * time.Second)
	for l.Stats().Rejected == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := l.Stats().Rejected; got != 1 {
		t.Fatalf("Rejected = %d, want 1", got)
	}
	select {
	case rec := <-sink.recordings:
		t.Fatalf("short recording reached the sink: %+v", rec)
	default:
	}
}

func TestRecordingTrimmedToWholeFrames(t *testing.T) {
	sink := newRecordingSink()
	l := startListener(t, sink)
	conn := dial(t, l)

	_, _ = conn.Write(pcmBytes(4097))
	// No sentinel: the push-mode read timeouts end the recording.

	rec := waitRecording(t, sink)
	if rec.Bytes != 4096 {
		t.Fatalf("recording bytes = %d, want 4096", rec.Bytes)
	}
	if got := l.Stats().RecordingsReceived; got != 1 {
		t.Fatalf("RecordingsReceived = %d, want 1", got)
	}
}

func TestSessionStartHandshake(t *testing.T) {
	sink := newRecordingSink()
	l := startListener(t, sink)
	conn := dial(t, l)

	_, _ = conn.Write([]byte(SessionStartPrefix + "aa:bb:cc:dd:ee:ff"))
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("session start was not notified")
	}
	if sink.starts[0] != "aa:bb:cc:dd:ee:ff" || sink.startAddrs[0] != "127.0.0.1" {
		t.Fatalf("session start = %q from %q", sink.starts[0], sink.startAddrs[0])
	}

	a := pcmBytes(1600)
	_, _ = conn.Write(append(append([]byte(nil), a...), RecordingComplete...))
	rec := waitRecording(t, sink)
	if rec.Mode != session.ModePull || rec.DeviceClass() != "4G" {
		t.Fatalf("mode = %q, want pull", rec.Mode)
	}
	if rec.Device != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("device = %q", rec.Device)
	}
	if got := readSavedPCM(t, rec.Path); !bytes.Equal(got, a) {
		t.Fatalf("handshake bytes leaked into the recording")
	}
}

func TestSessionStartWithAudioInSameRead(t *testing.T) {
	sink := newRecordingSink()
	l := startListener(t, sink)
	conn := dial(t, l)

	_, _ = conn.Write(append([]byte(SessionStartPrefix+"AA:BB:CC:DD:EE:FF"), pcmBytes(300)...))
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("session start was not notified")
	}
	if sink.starts[0] != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("session start device = %q", sink.starts[0])
	}

	a := pcmBytes(2000)
	_, _ = conn.Write(append(append([]byte(nil), a...), RecordingComplete...))
	rec := waitRecording(t, sink)
	if rec.Mode != session.ModePull {
		t.Fatalf("mode = %q, want pull", rec.Mode)
	}
	if got := readSavedPCM(t, rec.Path); !bytes.Equal(got, a) {
		t.Fatalf("recording = %d bytes, want the %d bytes sent after the handshake", len(got), len(a))
	}
	if got := l.Stats().Rejected; got != 0 {
		t.Fatalf("Rejected = %d, want 0", got)
	}
}

func TestSplitHandshake(t *testing.T) {
	cases := []struct {
		in, addr, tail string
	}{
		{"AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF", ""},
		{" aa-bb-cc-dd-ee-ff\r\n", "aa-bb-cc-dd-ee-ff", "\r\n"},
		{"AA:BB:CC:DD:EE:FF" + RecordingComplete, "AA:BB:CC:DD:EE:FF", RecordingComplete},
		{"AA:BB", "AA:BB", ""},
	}
	for _, tc := range cases {
		addr, tail := splitHandshake(tc.in)
		if addr != tc.addr || tail != tc.tail {
			t.Fatalf("splitHandshake(%q) = %q, %q; want %q, %q", tc.in, addr, tail, tc.addr, tc.tail)
		}
	}
}

func TestSilentConnectionIsAbandoned(t *testing.T) {
	sink := newRecordingSink()
	l := startListener(t, sink)
	conn := dial(t, l)
	_ = conn.Close()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-sink.started:
		t.Fatalf("silent connection notified a session start")
	case <-sink.recordings:
		t.Fatalf("silent connection produced a recording")
	default:
	}
}

func TestIsAddressToken(t *testing.T) {
	cases := map[string]bool{
		"ESP32_AA:BB:CC:DD:EE:FF":   true,
		"AA-BB-CC-DD-EE-FF\n":       true,
		"ESP32_AA:BB:CC:DD:EE:FFxx": false,
		"\x01\x02\x03":              false,
	}
	for in, want := range cases {
		if got := isAddressToken([]byte(in)); got != want {
			t.Fatalf("isAddressToken(%q) = %v, want %v", in, got, want)
		}
	}
}
