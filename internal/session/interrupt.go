package session

import "github.com/antoniostano/edgevoice/internal/device"

// RaiseInterrupt flags the device and clears its queue. Producers and the push
// streamer notice the flag at their next check point. Unknown devices get an
// idle placeholder so a late pipeline run still sees the flag.
func (r *Registry) RaiseInterrupt(dev string) (cleared int) {
	key := device.Canonical(dev)
	if key == "" {
		return 0
	}

	r.mu.Lock()
	now := r.now()
	e, ok := r.devices[key]
	if !ok {
		e = &entry{session: DeviceSession{Device: key, Status: StatusIdle, CreatedAt: now}}
		r.devices[key] = e
	}
	prev := e.session.Status
	cleared = len(e.queue)
	e.queue = nil
	e.interrupted = true
	e.session.Status = StatusIdle
	e.session.LastActivityAt = now
	snap := e.snapshot()
	hook := r.onEvent
	r.mu.Unlock()

	r.emit(hook, snap, prev)
	return cleared
}

// ClearInterrupt resets the flag; done when a new pipeline run starts.
func (r *Registry) ClearInterrupt(dev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[device.Canonical(dev)]; ok {
		e.interrupted = false
	}
}

func (r *Registry) Interrupted(dev string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[device.Canonical(dev)]
	return ok && e.interrupted
}
