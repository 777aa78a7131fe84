package session

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/edgevoice/internal/device"
)

type entry struct {
	session     DeviceSession
	queue       []AudioSegment
	interrupted bool
}

// Registry is the single owner of device sessions, their segment queues and
// interrupt flags. Every mutation for a device happens under one lock so a
// Start is never interleaved with a queue change for that device. Payload
// transfer and external calls stay outside the lock.
type Registry struct {
	mu                sync.RWMutex
	devices           map[string]*entry
	generation        uint64
	inactivityTimeout time.Duration
	onExpire          func(DeviceSession)
	onEvent           func(Event)
	now               func() time.Time
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Registry{
		devices:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) SetExpireHook(hook func(DeviceSession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// SetEventHook registers a callback for status transitions. It runs outside
// the registry lock.
func (r *Registry) SetEventHook(hook func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = hook
}

// Start begins a new generation: the session is replaced, queued segments are
// dropped and the interrupt flag is reset.
func (r *Registry) Start(dev, addr string, mode Mode) (DeviceSession, error) {
	key := device.Canonical(dev)
	if key == "" {
		return DeviceSession{}, ErrInvalidIdentity
	}

	r.mu.Lock()
	now := r.now()
	e, ok := r.devices[key]
	prev := StatusIdle
	created := now
	if ok {
		prev = e.session.Status
		created = e.session.CreatedAt
	} else {
		e = &entry{}
		r.devices[key] = e
	}
	r.generation++
	e.session = DeviceSession{
		Device:         key,
		Addr:           addr,
		Mode:           mode,
		Status:         StatusRecording,
		Generation:     r.generation,
		CreatedAt:      created,
		LastActivityAt: now,
	}
	e.queue = nil
	e.interrupted = false
	snap := e.snapshot()
	hook := r.onEvent
	r.mu.Unlock()

	r.emit(hook, snap, prev)
	return snap, nil
}

// BeginRun registers a pipeline request. A pull-mode device still in
// recording keeps the generation its handshake opened; every other run gets a
// fresh generation and an empty queue.
func (r *Registry) BeginRun(dev, addr string, mode Mode) (DeviceSession, error) {
	key := device.Canonical(dev)
	if key == "" {
		return DeviceSession{}, ErrInvalidIdentity
	}

	r.mu.Lock()
	now := r.now()
	e, ok := r.devices[key]
	prev := StatusIdle
	if !ok {
		e = &entry{session: DeviceSession{Device: key, CreatedAt: now}}
		r.devices[key] = e
	} else {
		prev = e.session.Status
	}
	handshake := ok && mode == ModePull && e.session.Mode == ModePull && e.session.Status == StatusRecording
	if !handshake {
		r.generation++
		e.session.Generation = r.generation
		e.queue = nil
	}
	if addr != "" {
		e.session.Addr = addr
	}
	e.session.Mode = mode
	e.session.Status = StatusProcessing
	e.session.LastActivityAt = now
	snap := e.snapshot()
	hook := r.onEvent
	r.mu.Unlock()

	r.emit(hook, snap, prev)
	return snap, nil
}

// Touch refreshes last activity only.
func (r *Registry) Touch(dev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[device.Canonical(dev)]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = r.now()
	return nil
}

func (r *Registry) SetStatus(dev string, status Status) error {
	r.mu.Lock()
	e, ok := r.devices[device.Canonical(dev)]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	prev := e.session.Status
	e.session.Status = status
	e.session.LastActivityAt = r.now()
	snap := e.snapshot()
	hook := r.onEvent
	r.mu.Unlock()

	r.emit(hook, snap, prev)
	return nil
}

// SetStatusIfGeneration changes status only while gen is still current, so a
// finished run never overwrites the state of a newer recording.
func (r *Registry) SetStatusIfGeneration(dev string, gen uint64, status Status) error {
	r.mu.Lock()
	e, ok := r.devices[device.Canonical(dev)]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.session.Generation != gen {
		r.mu.Unlock()
		return ErrStaleGeneration
	}
	prev := e.session.Status
	e.session.Status = status
	e.session.LastActivityAt = r.now()
	snap := e.snapshot()
	hook := r.onEvent
	r.mu.Unlock()

	r.emit(hook, snap, prev)
	return nil
}

func (r *Registry) Get(dev string) (DeviceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[device.Canonical(dev)]
	if !ok {
		return DeviceSession{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// List returns a snapshot of every known device.
func (r *Registry) List() []DeviceSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceSession, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.snapshot())
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

// expireInactive forgets devices that went quiet with nothing left to deliver.
func (r *Registry) expireInactive() {
	now := r.now()
	var expired []DeviceSession

	r.mu.Lock()
	for key, e := range r.devices {
		if now.Sub(e.session.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		if len(e.queue) > 0 {
			continue
		}
		switch e.session.Status {
		case StatusProcessing, StatusStreaming:
			continue
		}
		expired = append(expired, e.snapshot())
		delete(r.devices, key)
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (r *Registry) emit(hook func(Event), snap DeviceSession, prev Status) {
	if hook == nil || prev == snap.Status {
		return
	}
	hook(Event{
		Device:     snap.Device,
		Status:     snap.Status,
		Previous:   prev,
		Mode:       snap.Mode,
		Generation: snap.Generation,
		At:         snap.LastActivityAt,
	})
}

func (e *entry) snapshot() DeviceSession {
	s := e.session
	s.QueueLength = len(e.queue)
	s.Interrupted = e.interrupted
	return s
}
