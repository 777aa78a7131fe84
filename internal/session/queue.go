package session

import (
	"sort"

	"github.com/antoniostano/edgevoice/internal/device"
)

// Enqueue appends a segment for the generation it was produced in. Segments
// of a superseded generation are refused.
func (r *Registry) Enqueue(dev string, gen uint64, seg AudioSegment) (int, error) {
	key := device.Canonical(dev)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[key]
	if !ok {
		return 0, ErrNotFound
	}
	if e.session.Generation != gen {
		return len(e.queue), ErrStaleGeneration
	}
	seg.Device = key
	seg.Generation = gen
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = r.now()
	}

	// Keep index order even if producers hand segments over out of order.
	pos := sort.Search(len(e.queue), func(i int) bool { return e.queue[i].Index > seg.Index })
	e.queue = append(e.queue, AudioSegment{})
	copy(e.queue[pos+1:], e.queue[pos:])
	e.queue[pos] = seg
	e.session.LastActivityAt = r.now()
	return len(e.queue), nil
}

// PeekHead returns the lowest-index queued segment.
func (r *Registry) PeekHead(dev string) (AudioSegment, bool) {
	head, _, ok := r.QueueHead(dev)
	return head, ok
}

// QueueHead returns the head segment and the queue length from one snapshot.
func (r *Registry) QueueHead(dev string) (head AudioSegment, total int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.devices[device.Canonical(dev)]
	if !found || len(e.queue) == 0 {
		return AudioSegment{}, 0, false
	}
	return e.queue[0], len(e.queue), true
}

// Segment looks a queued segment up by index.
func (r *Registry) Segment(dev string, index int) (AudioSegment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[device.Canonical(dev)]
	if !ok {
		return AudioSegment{}, ErrNotFound
	}
	for _, seg := range e.queue {
		if seg.Index == index {
			return seg, nil
		}
	}
	return AudioSegment{}, ErrSegmentNotFound
}

// Advance removes every queued segment carrying index. Matching by index
// keeps retried or out-of-order acknowledgments harmless.
func (r *Registry) Advance(dev string, index int) (AdvanceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[device.Canonical(dev)]
	if !ok {
		return AdvanceResult{}, ErrNotFound
	}

	kept := e.queue[:0]
	removed := false
	for _, seg := range e.queue {
		if seg.Index == index {
			removed = true
			continue
		}
		kept = append(kept, seg)
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = AudioSegment{}
	}
	e.queue = kept
	e.session.LastActivityAt = r.now()

	res := AdvanceResult{Removed: removed, Remaining: len(e.queue), NextIndex: -1}
	if len(e.queue) > 0 {
		res.NextIndex = e.queue[0].Index
	}
	return res, nil
}

// ClearQueue drops every queued segment and returns how many were dropped.
func (r *Registry) ClearQueue(dev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[device.Canonical(dev)]
	if !ok {
		return 0
	}
	n := len(e.queue)
	e.queue = nil
	return n
}

func (r *Registry) QueueLen(dev string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[device.Canonical(dev)]
	if !ok {
		return 0
	}
	return len(e.queue)
}
