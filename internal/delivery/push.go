package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/antoniostano/edgevoice/internal/audio"
	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/session"
)

// Push streams one segment to the device at playback rate and returns once
// the device has been sent END_STREAM or the transfer was stopped.
func (c *Coordinator) Push(ctx context.Context, dev string, seg session.AudioSegment) error {
	dev = device.Canonical(dev)
	sess, err := c.registry.Get(dev)
	if err != nil {
		return err
	}
	if sess.Addr == "" {
		return ErrNoAddress
	}

	payload, err := segmentPayload(seg)
	if err != nil {
		c.observe("unreadable")
		return err
	}
	pcm, format, err := audio.DecodePCM(payload, c.cfg.Format)
	if err != nil {
		c.observe("unreadable")
		return fmt.Errorf("decode segment %d: %w", seg.Index, err)
	}

	t := c.begin(dev)
	defer c.finish(dev, t)

	if err := c.registry.SetStatusIfGeneration(dev, seg.Generation, session.StatusStreaming); err != nil {
		c.observe("stale")
		return err
	}

	target := net.JoinHostPort(sess.Addr, strconv.Itoa(c.cfg.DevicePort))
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dialer.DialContext(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		c.observe("dial_failed")
		_ = c.registry.SetStatusIfGeneration(dev, seg.Generation, session.StatusError)
		return fmt.Errorf("dial device %s: %w", target, err)
	}
	defer conn.Close()

	started := time.Now()
	err = c.stream(ctx, conn, dev, seg, t, pcm, format)
	switch {
	case err == nil:
		c.observe("completed")
		if seg.ArtifactPath != "" {
			if rmErr := os.Remove(seg.ArtifactPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				c.logger.Warn("remove delivered artifact failed", "path", seg.ArtifactPath, "error", rmErr)
			}
		}
		c.logger.Info("segment pushed", "device", dev, "index", seg.Index, "bytes", len(pcm), "elapsed", time.Since(started))
		return nil
	case errors.Is(err, ErrPreempted), errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		c.observe("interrupted")
		c.logger.Info("segment push stopped", "device", dev, "index", seg.Index, "reason", err)
		return err
	default:
		c.observe("write_failed")
		_ = c.registry.SetStatusIfGeneration(dev, seg.Generation, session.StatusError)
		return fmt.Errorf("push segment %d: %w", seg.Index, err)
	}
}

func (c *Coordinator) stream(ctx context.Context, conn net.Conn, dev string, seg session.AudioSegment, t *transfer, pcm []byte, format audio.Format) error {
	for off := 0; off < len(pcm); off += c.cfg.ChunkSize {
		if reason := c.stopReason(ctx, dev, seg.Generation, t); reason != nil {
			_, _ = conn.Write([]byte(Interrupt))
			return reason
		}

		end := off + c.cfg.ChunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[off:end]
		if _, err := conn.Write(chunk); err != nil {
			return err
		}

		timer := time.NewTimer(format.Duration(len(chunk)))
		select {
		case <-timer.C:
		case <-t.cancel:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if reason := c.stopReason(ctx, dev, seg.Generation, t); reason != nil {
		_, _ = conn.Write([]byte(Interrupt))
		return reason
	}
	if c.cfg.TailDelay > 0 {
		time.Sleep(c.cfg.TailDelay)
	}
	_, err := conn.Write([]byte(EndOfStream))
	return err
}

// stopReason is checked before every chunk.
func (c *Coordinator) stopReason(ctx context.Context, dev string, gen uint64, t *transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.stopped() {
		return ErrPreempted
	}
	if c.registry.Interrupted(dev) {
		return ErrCancelled
	}
	if sess, err := c.registry.Get(dev); err != nil || sess.Generation != gen {
		return ErrCancelled
	}
	return nil
}

func segmentPayload(seg session.AudioSegment) ([]byte, error) {
	if len(seg.Audio) > 0 {
		return seg.Audio, nil
	}
	if seg.ArtifactPath == "" {
		return nil, fmt.Errorf("segment %d has no audio", seg.Index)
	}
	data, err := os.ReadFile(seg.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("read segment artifact: %w", err)
	}
	return data, nil
}
