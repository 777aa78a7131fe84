package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antoniostano/edgevoice/internal/audio"
	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/session"
)

// handle runs the per-connection protocol: identify, collect until the
// sentinel / timeouts / close, validate, persist, hand to the sink.
func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := peerIP(conn.RemoteAddr())
	logger := l.logger.With("peer", peer)

	first := make([]byte, firstReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.FirstChunkTimeout))
	n, err := conn.Read(first)
	if n == 0 {
		switch {
		case err == nil, errors.Is(err, io.EOF):
			logger.Info("connection closed before first chunk")
		case isTimeout(err):
			logger.Warn("no first chunk before timeout", "timeout", l.cfg.FirstChunkTimeout)
		default:
			logger.Warn("first chunk read failed", "error", err)
		}
		return
	}
	first = first[:n]

	var (
		dev      string
		mode     = session.ModePush
		buf      bytes.Buffer
		complete bool
	)
	text := string(first)
	switch {
	case strings.HasPrefix(text, SessionStartPrefix):
		mode = session.ModePull
		var tail string
		dev, tail = splitHandshake(strings.TrimPrefix(text, SessionStartPrefix))
		if !device.IsValidDeviceAddress(dev) {
			logger.Warn("session start with invalid device address", "device", dev)
			l.countRejected()
			return
		}
		l.notifySessionStart(ctx, dev, peer)
		// The recording starts after the handshake read; anything that rode
		// along with it is dropped.
		if strings.Contains(tail, RecordingComplete) {
			complete = true
		} else if strings.TrimSpace(tail) != "" {
			logger.Debug("bytes after session start dropped", "bytes", len(tail))
		}
	default:
		addr, found := device.ExtractDeviceAddress(first)
		if !found {
			dev = device.FallbackDeviceAddress(peer)
			logger.Info("no device address in first chunk, using fallback", "device", dev)
		} else {
			dev = addr
		}
		// A chunk that is only the identification token carries no audio.
		if !found || !isAddressToken(first) {
			buf.Write(first)
		}
	}
	dev = device.Canonical(dev)
	logger = logger.With("device", dev, "mode", string(mode))

	if idx := bytes.Index(buf.Bytes(), []byte(RecordingComplete)); idx >= 0 {
		buf.Truncate(idx)
		complete = true
	}
	if !complete {
		l.collect(conn, mode, &buf, logger)
	}

	if buf.Len() < l.cfg.MinRecordingBytes {
		logger.Warn("recording too short, dropped", "bytes", buf.Len(), "min_bytes", l.cfg.MinRecordingBytes)
		l.countRejected()
		return
	}

	pcm := audio.TrimToFrames(buf.Bytes(), l.cfg.Format)
	received := time.Now().UTC()
	filename := received.Format("20060102_150405") + "_" + strings.ReplaceAll(dev, ":", "-") + ".wav"
	path, err := filepath.Abs(filepath.Join(l.cfg.RecordingsDir, filename))
	if err != nil {
		path = filepath.Join(l.cfg.RecordingsDir, filename)
	}
	if err := audio.WriteWAVFile(path, pcm, l.cfg.Format); err != nil {
		logger.Error("save recording failed", "error", err)
		l.countError()
		return
	}
	l.countRecording(received)
	logger.Info("recording saved", "path", path, "bytes", len(pcm), "duration", l.cfg.Format.Duration(len(pcm)))

	rec := Recording{
		Device:     dev,
		Addr:       peer,
		Mode:       mode,
		Path:       path,
		Filename:   filename,
		Bytes:      len(pcm),
		ReceivedAt: received,
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.SinkTimeout)
	defer cancel()
	if err := l.sink.Recording(sinkCtx, rec); err != nil {
		logger.Error("recording hand-off failed", "error", err)
		l.countError()
	}
}

// collect reads until the end sentinel, too many consecutive read timeouts,
// or the peer closing. The sentinel may straddle two reads.
func (l *Listener) collect(conn net.Conn, mode session.Mode, buf *bytes.Buffer, logger *slog.Logger) {
	timeout, maxTimeouts := l.cfg.PushReadTimeout, l.cfg.PushMaxReadTimeouts
	if mode == session.ModePull {
		timeout, maxTimeouts = l.cfg.PullReadTimeout, l.cfg.PullMaxReadTimeouts
	}

	sentinel := []byte(RecordingComplete)
	chunk := make([]byte, readSize)
	consecutive := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			consecutive = 0
			searchFrom := buf.Len() - (len(sentinel) - 1)
			if searchFrom < 0 {
				searchFrom = 0
			}
			buf.Write(chunk[:n])
			if idx := bytes.Index(buf.Bytes()[searchFrom:], sentinel); idx >= 0 {
				buf.Truncate(searchFrom + idx)
				logger.Info("recording complete signal received", "bytes", buf.Len())
				return
			}
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			consecutive++
			if consecutive >= maxTimeouts {
				logger.Info("read timeouts exhausted, closing recording", "timeouts", consecutive, "bytes", buf.Len())
				return
			}
			logger.Debug("read timeout", "count", consecutive, "max", maxTimeouts)
			continue
		}
		logger.Info("device closed connection", "bytes", buf.Len())
		return
	}
}

func (l *Listener) notifySessionStart(ctx context.Context, dev, peer string) {
	notifyCtx, cancel := context.WithTimeout(ctx, l.cfg.SessionNotifyTimeout)
	defer cancel()
	if err := l.sink.SessionStart(notifyCtx, dev, peer); err != nil {
		l.logger.Warn("session start notification failed", "device", dev, "peer", peer, "error", err)
	}
}

// splitHandshake separates the device address that follows the session
// start prefix from whatever the modem sent with it in the same read.
func splitHandshake(rest string) (addr, tail string) {
	rest = strings.TrimLeft(rest, " \t")
	if len(rest) <= deviceAddressLen {
		return strings.TrimSpace(rest), ""
	}
	return rest[:deviceAddressLen], rest[deviceAddressLen:]
}

func isAddressToken(chunk []byte) bool {
	s := strings.TrimSpace(strings.TrimPrefix(string(chunk), device.IdentifyPrefix))
	return device.IsValidDeviceAddress(s)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout() || errors.Is(err, os.ErrDeadlineExceeded)
}

func peerIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if v4 := tcp.IP.To4(); v4 != nil {
			return v4.String()
		}
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
