package delivery

import (
	"context"
	"errors"

	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/session"
)

const (
	PullAudioReady  = "audio_ready"
	PullNoAudio     = "no_audio"
	PullStreaming   = "streaming"
	PullNextReady   = "next_ready"
	PullAllComplete = "all_complete"
)

// PullState is what a polling device is told about its queue.
type PullState struct {
	Status         string `json:"status"`
	TotalCount     *int   `json:"total_count,omitempty"`
	CurrentIndex   *int   `json:"current_index,omitempty"`
	Index          *int   `json:"index,omitempty"`
	NextIndex      *int   `json:"next_index,omitempty"`
	RemainingCount *int   `json:"remaining_count,omitempty"`
}

func intPtr(v int) *int { return &v }

// RequestAudio reports the queue head without sending any payload.
func (c *Coordinator) RequestAudio(dev string) (PullState, error) {
	dev = device.Canonical(dev)
	if err := c.registry.Touch(dev); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return PullState{Status: PullNoAudio}, nil
		}
		return PullState{}, err
	}

	head, total, ok := c.registry.QueueHead(dev)
	if !ok {
		if sess, err := c.registry.Get(dev); err == nil && sess.Status != session.StatusProcessing && sess.Status != session.StatusStreaming {
			_ = c.registry.SetStatus(dev, session.StatusWaiting)
		}
		return PullState{Status: PullNoAudio}, nil
	}
	return PullState{
		Status:       PullAudioReady,
		TotalCount:   intPtr(total),
		CurrentIndex: intPtr(head.Index),
	}, nil
}

// StartStream begins the paced transfer of one queued segment in the
// background. The segment stays queued until Complete acknowledges it.
func (c *Coordinator) StartStream(ctx context.Context, dev string, index int) (PullState, error) {
	dev = device.Canonical(dev)
	sess, err := c.registry.Get(dev)
	if err != nil {
		return PullState{}, err
	}
	seg, err := c.registry.Segment(dev, index)
	if err != nil {
		return PullState{}, err
	}
	if sess.Addr == "" {
		return PullState{}, ErrNoAddress
	}

	// The transfer outlives the HTTP request that asked for it.
	bg := context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := c.Push(bg, dev, seg); err != nil {
			c.logger.Warn("pull transfer failed", "device", dev, "index", index, "error", err)
		}
	}()
	return PullState{Status: PullStreaming, Index: intPtr(index)}, nil
}

// Complete acknowledges a delivered index and reports what is left.
func (c *Coordinator) Complete(dev string, index int) (PullState, error) {
	dev = device.Canonical(dev)
	res, err := c.registry.Advance(dev, index)
	if err != nil {
		return PullState{}, err
	}
	if res.Remaining == 0 {
		_ = c.registry.SetStatus(dev, session.StatusIdle)
		return PullState{Status: PullAllComplete}, nil
	}
	_ = c.registry.SetStatus(dev, session.StatusAudioReady)
	return PullState{
		Status:         PullNextReady,
		NextIndex:      intPtr(res.NextIndex),
		RemainingCount: intPtr(res.Remaining),
	}, nil
}
