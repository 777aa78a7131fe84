// Package delivery moves synthesized segments from the queue to devices,
// either by dialing the device (push) or when the device asks (pull).
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/antoniostano/edgevoice/internal/audio"
	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/observability"
	"github.com/antoniostano/edgevoice/internal/session"
)

const (
	EndOfStream = "END_STREAM"
	Interrupt   = "INTERRUPT_"
)

var (
	ErrNoAddress = errors.New("device has no network address")
	ErrPreempted = errors.New("transfer preempted")
	ErrCancelled = errors.New("transfer interrupted")
)

// Dialer opens the outbound connection to a device.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	DevicePort  int
	ChunkSize   int
	DialTimeout time.Duration
	TailDelay   time.Duration
	Format      audio.Format
}

func (c Config) withDefaults() Config {
	if c.DevicePort <= 0 {
		c.DevicePort = 5002
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 512
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.TailDelay < 0 {
		c.TailDelay = 0
	}
	if c.Format.SampleRate <= 0 {
		c.Format = audio.DefaultFormat
	}
	return c
}

type transfer struct {
	id     uint64
	cancel chan struct{}
	once   sync.Once
}

func (t *transfer) stop() { t.once.Do(func() { close(t.cancel) }) }

func (t *transfer) stopped() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// Coordinator owns every outbound transfer. At most one transfer per device is
// active; a newer one preempts the older.
type Coordinator struct {
	registry *session.Registry
	dialer   Dialer
	cfg      Config
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	nextID uint64
	active map[string]*transfer

	bg sync.WaitGroup
}

func NewCoordinator(registry *session.Registry, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		dialer:   &net.Dialer{Timeout: cfg.DialTimeout},
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		active:   make(map[string]*transfer),
	}
}

// SetDialer replaces the network dialer.
func (c *Coordinator) SetDialer(d Dialer) {
	if d != nil {
		c.dialer = d
	}
}

// ActiveTransfers reports how many push transfers are writing right now.
func (c *Coordinator) ActiveTransfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Interrupt raises the device's interrupt flag, clears its queue and stops
// any transfer in progress. It returns the number of dropped segments.
func (c *Coordinator) Interrupt(dev string) int {
	dev = device.Canonical(dev)
	cleared := c.registry.RaiseInterrupt(dev)
	c.mu.Lock()
	if t, ok := c.active[dev]; ok {
		t.stop()
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.Interrupts.Inc()
	}
	c.logger.Info("device interrupted", "device", dev, "cleared_segments", cleared)
	return cleared
}

// Wait blocks until background transfers started by StartStream return or ctx
// is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) begin(dev string) *transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.active[dev]; ok {
		prev.stop()
	}
	c.nextID++
	t := &transfer{id: c.nextID, cancel: make(chan struct{})}
	c.active[dev] = t
	if c.metrics != nil {
		c.metrics.ActiveTransfers.Set(float64(len(c.active)))
	}
	return t
}

func (c *Coordinator) finish(dev string, t *transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.active[dev]; ok && cur.id == t.id {
		delete(c.active, dev)
	}
	if c.metrics != nil {
		c.metrics.ActiveTransfers.Set(float64(len(c.active)))
	}
}

func (c *Coordinator) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.PushTransfers.WithLabelValues(outcome).Inc()
	}
}
