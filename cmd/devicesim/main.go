// Command devicesim plays a cellular device against a running edgevoice
// process: it records over the ingest socket, polls for replies, receives
// the streamed audio and acknowledges each segment.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/antoniostano/edgevoice/internal/audio"
	"github.com/antoniostano/edgevoice/internal/delivery"
	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/ingest"
)

type options struct {
	baseURL      string
	ingestAddr   string
	mac          string
	listenAddr   string
	wavPath      string
	toneSeconds  float64
	turns        int
	chunkMS      int
	realtime     float64
	pollInterval time.Duration
	turnTimeout  time.Duration
	verbose      bool
}

type pullState struct {
	Status         string `json:"status"`
	TotalCount     *int   `json:"total_count,omitempty"`
	CurrentIndex   *int   `json:"current_index,omitempty"`
	NextIndex      *int   `json:"next_index,omitempty"`
	RemainingCount *int   `json:"remaining_count,omitempty"`
}

type turnStats struct {
	firstReady time.Duration
	segments   int
	bytes      int
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := pflag.NewFlagSet("devicesim", pflag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "edgevoice HTTP base URL")
	fs.StringVar(&cfg.ingestAddr, "ingest-addr", "127.0.0.1:8083", "edgevoice ingest socket address")
	fs.StringVar(&cfg.mac, "mac", "02:00:00:00:00:01", "device address to present")
	fs.StringVar(&cfg.listenAddr, "listen", "", "address to accept streamed replies on (empty acknowledges without streaming)")
	fs.StringVar(&cfg.wavPath, "wav", "", "recording to send (default: generated tone)")
	fs.Float64Var(&cfg.toneSeconds, "tone-seconds", 1.5, "length of the generated tone")
	fs.IntVar(&cfg.turns, "turns", 1, "number of recordings to send")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.DurationVar(&cfg.pollInterval, "poll", 300*time.Millisecond, "request_audio polling interval")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 60*time.Second, "time allowed for one turn")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	if !device.IsValidDeviceAddress(cfg.mac) {
		return options{}, fmt.Errorf("mac %q is not a device address", cfg.mac)
	}
	cfg.mac = device.Canonical(cfg.mac)
	if cfg.turns <= 0 {
		return options{}, errors.New("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, errors.New("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, errors.New("realtime must be > 0")
	}
	if cfg.pollInterval < 50*time.Millisecond {
		cfg.pollInterval = 50 * time.Millisecond
	}
	return cfg, nil
}

func run(cfg options) error {
	pcm, format, err := loadClip(cfg.wavPath, cfg.toneSeconds)
	if err != nil {
		return fmt.Errorf("prepare recording: %w", err)
	}

	var replies net.Listener
	if cfg.listenAddr != "" {
		replies, err = net.Listen("tcp", cfg.listenAddr)
		if err != nil {
			return fmt.Errorf("listen for replies: %w", err)
		}
		defer replies.Close()
	}

	client := &http.Client{Timeout: 15 * time.Second}
	if cfg.verbose {
		fmt.Printf("devicesim: device=%s turns=%d bytes=%d rate=%dHz\n", cfg.mac, cfg.turns, len(pcm), format.SampleRate)
	}

	for i := 0; i < cfg.turns; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.turnTimeout)
		stats, err := runTurn(ctx, cfg, client, replies, pcm, format)
		cancel()
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("devicesim: turn %d/%d first_audio=%s segments=%d audio_bytes=%d\n",
				i+1, cfg.turns, stats.firstReady.Round(time.Millisecond), stats.segments, stats.bytes)
		}
	}
	return nil
}

func runTurn(ctx context.Context, cfg options, client *http.Client, replies net.Listener, pcm []byte, format audio.Format) (turnStats, error) {
	var stats turnStats
	if err := sendRecording(ctx, cfg, pcm, format); err != nil {
		return stats, fmt.Errorf("send recording: %w", err)
	}
	sent := time.Now()

	for {
		state, err := control(ctx, client, cfg.baseURL, "request_audio", cfg.mac, nil)
		if err != nil {
			return stats, err
		}
		switch state.Status {
		case "audio_ready":
			if stats.segments == 0 {
				stats.firstReady = time.Since(sent)
			}
			idx := 0
			if state.CurrentIndex != nil {
				idx = *state.CurrentIndex
			}
			n, err := fetchSegment(ctx, cfg, client, replies, idx)
			if err != nil {
				return stats, err
			}
			stats.segments++
			stats.bytes += n
			done, err := control(ctx, client, cfg.baseURL, "audio_complete", cfg.mac, &idx)
			if err != nil {
				return stats, err
			}
			if done.Status == "all_complete" {
				return stats, nil
			}
			continue
		case "no_audio":
			// Still transcribing or thinking.
		default:
			if stats.segments > 0 {
				return stats, nil
			}
		}

		select {
		case <-ctx.Done():
			if stats.segments > 0 {
				return stats, nil
			}
			return stats, fmt.Errorf("no audio before timeout: %w", ctx.Err())
		case <-time.After(cfg.pollInterval):
		}
	}
}

// sendRecording performs the cellular handshake and streams pcm paced like a
// live microphone, then marks the end of the recording.
func sendRecording(ctx context.Context, cfg options, pcm []byte, format audio.Format) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.ingestAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(ingest.SessionStartPrefix + cfg.mac)); err != nil {
		return err
	}
	// The handshake must arrive as its own read.
	time.Sleep(200 * time.Millisecond)

	chunkBytes := format.BytesPerSecond() * cfg.chunkMS / 1000
	chunkBytes -= chunkBytes % format.FrameSize()
	if chunkBytes <= 0 {
		chunkBytes = format.FrameSize()
	}
	pause := time.Duration(float64(cfg.chunkMS)/cfg.realtime) * time.Millisecond
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		if _, err := conn.Write(pcm[off:end]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	_, err = conn.Write([]byte(ingest.RecordingComplete))
	return err
}

func fetchSegment(ctx context.Context, cfg options, client *http.Client, replies net.Listener, idx int) (int, error) {
	if replies == nil {
		return 0, nil
	}
	if _, err := control(ctx, client, cfg.baseURL, "start_stream", cfg.mac, &idx); err != nil {
		return 0, err
	}
	if dl, ok := ctx.Deadline(); ok {
		if tl, ok := replies.(*net.TCPListener); ok {
			_ = tl.SetDeadline(dl)
		}
	}
	conn, err := replies.Accept()
	if err != nil {
		return 0, fmt.Errorf("accept reply stream: %w", err)
	}
	defer conn.Close()
	payload, interrupted, err := readStream(conn)
	if err != nil {
		return len(payload), err
	}
	if interrupted && cfg.verbose {
		fmt.Printf("devicesim: segment %d interrupted after %d bytes\n", idx, len(payload))
	}
	return len(payload), nil
}

// readStream collects a reply stream up to its end or interrupt marker.
func readStream(r io.Reader) (payload []byte, interrupted bool, err error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, rerr := r.Read(chunk)
		buf.Write(chunk[:n])
		if idx := bytes.Index(buf.Bytes(), []byte(delivery.EndOfStream)); idx >= 0 {
			return buf.Bytes()[:idx], false, nil
		}
		if idx := bytes.Index(buf.Bytes(), []byte(delivery.Interrupt)); idx >= 0 {
			return buf.Bytes()[:idx], true, nil
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return buf.Bytes(), false, errors.New("stream closed without end marker")
			}
			return buf.Bytes(), false, rerr
		}
	}
}

func control(ctx context.Context, client *http.Client, baseURL, op, mac string, index *int) (pullState, error) {
	q := url.Values{}
	q.Set("mac", mac)
	if index != nil {
		q.Set("audio_index", fmt.Sprint(*index))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/4g/"+op+"?"+q.Encode(), nil)
	if err != nil {
		return pullState{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return pullState{}, fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return pullState{}, err
	}
	if res.StatusCode != http.StatusOK {
		return pullState{}, fmt.Errorf("%s HTTP %d: %s", op, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out pullState
	if err := json.Unmarshal(body, &out); err != nil {
		return pullState{}, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// loadClip reads a recording from disk, or synthesizes a tone in the default
// device format when path is empty.
func loadClip(path string, toneSeconds float64) ([]byte, audio.Format, error) {
	if path == "" {
		return toneClip(toneSeconds, audio.DefaultFormat), audio.DefaultFormat, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, audio.Format{}, err
	}
	pcm, format, err := audio.DecodePCM(data, audio.DefaultFormat)
	if err != nil {
		return nil, audio.Format{}, err
	}
	if len(pcm) == 0 {
		return nil, audio.Format{}, fmt.Errorf("%s holds no audio", path)
	}
	return pcm, format, nil
}

func toneClip(seconds float64, f audio.Format) []byte {
	frames := int(seconds * float64(f.SampleRate))
	if frames <= 0 {
		frames = f.SampleRate
	}
	out := make([]byte, 0, frames*f.FrameSize())
	for i := 0; i < frames; i++ {
		v := int16(6000 * math.Sin(2*math.Pi*330*float64(i)/float64(f.SampleRate)))
		for c := 0; c < f.Channels; c++ {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
	}
	return out
}
