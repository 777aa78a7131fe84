package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/antoniostano/edgevoice/internal/audio"
	"github.com/antoniostano/edgevoice/internal/observability"
)

type Config struct {
	Addr                 string
	FirstChunkTimeout    time.Duration
	PullReadTimeout      time.Duration
	PullMaxReadTimeouts  int
	PushReadTimeout      time.Duration
	PushMaxReadTimeouts  int
	MinRecordingBytes    int
	RecordingsDir        string
	SessionNotifyTimeout time.Duration
	SinkTimeout          time.Duration
	Format               audio.Format
}

func (c Config) withDefaults() Config {
	if c.FirstChunkTimeout <= 0 {
		c.FirstChunkTimeout = 20 * time.Second
	}
	if c.PullReadTimeout <= 0 {
		c.PullReadTimeout = 3 * time.Second
	}
	if c.PullMaxReadTimeouts <= 0 {
		c.PullMaxReadTimeouts = 10
	}
	if c.PushReadTimeout <= 0 {
		c.PushReadTimeout = 500 * time.Millisecond
	}
	if c.PushMaxReadTimeouts <= 0 {
		c.PushMaxReadTimeouts = 5
	}
	if c.MinRecordingBytes <= 0 {
		c.MinRecordingBytes = 1000
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = "audio_recordings"
	}
	if c.SessionNotifyTimeout <= 0 {
		c.SessionNotifyTimeout = 10 * time.Second
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 2 * time.Minute
	}
	if c.Format.SampleRate <= 0 {
		c.Format = audio.DefaultFormat
	}
	return c
}

// Listener runs one goroutine per device connection.
type Listener struct {
	cfg     Config
	sink    Sink
	metrics *observability.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	stats Stats
	conns sync.WaitGroup
}

func NewListener(cfg Config, sink Sink, metrics *observability.Metrics, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{cfg: cfg.withDefaults(), sink: sink, metrics: metrics, logger: logger}
}

// Listen binds the socket. Serve must be called afterwards.
func (l *Listener) Listen() error {
	if err := os.MkdirAll(l.cfg.RecordingsDir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.mu.Lock()
	l.ln = ln
	l.stats.Active = true
	l.mu.Unlock()
	l.logger.Info("ingest listener bound", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return errors.New("ingest listener not bound")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer func() {
		l.mu.Lock()
		l.stats.Active = false
		l.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.countError()
			return fmt.Errorf("accept: %w", err)
		}
		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			l.handle(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	l.conns.Wait()
	return err
}

func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	if s.LastRecording != nil {
		t := *s.LastRecording
		s.LastRecording = &t
	}
	return s
}

func (l *Listener) countError() {
	l.mu.Lock()
	l.stats.Errors++
	l.mu.Unlock()
	l.observe("error")
}

func (l *Listener) countRejected() {
	l.mu.Lock()
	l.stats.Rejected++
	l.mu.Unlock()
	l.observe("rejected")
}

func (l *Listener) countRecording(at time.Time) {
	l.mu.Lock()
	l.stats.RecordingsReceived++
	l.stats.LastRecording = &at
	l.mu.Unlock()
	l.observe("accepted")
}

func (l *Listener) observe(outcome string) {
	if l.metrics != nil {
		l.metrics.Recordings.WithLabelValues(outcome).Inc()
	}
}
