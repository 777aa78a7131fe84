package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/edgevoice/internal/delivery"
	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/llm"
	"github.com/antoniostano/edgevoice/internal/observability"
	"github.com/antoniostano/edgevoice/internal/session"
	"github.com/antoniostano/edgevoice/internal/speech"
	"github.com/antoniostano/edgevoice/internal/transcript"
)

// Pusher delivers one segment to a directly reachable device.
type Pusher interface {
	Push(ctx context.Context, dev string, seg session.AudioSegment) error
}

type Config struct {
	OutputDir string
}

type Orchestrator struct {
	registry    *session.Registry
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	model       llm.Streamer
	pusher      Pusher
	transcripts transcript.Store
	metrics     *observability.Metrics
	logger      *slog.Logger
	cfg         Config
}

func NewOrchestrator(
	registry *session.Registry,
	transcriber speech.Transcriber,
	synthesizer speech.Synthesizer,
	model llm.Streamer,
	pusher Pusher,
	transcripts transcript.Store,
	metrics *observability.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	return &Orchestrator{
		registry:    registry,
		transcriber: transcriber,
		synthesizer: synthesizer,
		model:       model,
		pusher:      pusher,
		transcripts: transcripts,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// Process runs one recording through the pipeline. A non-nil error always
// comes with a Result whose Status is "error", except for address validation
// failures which leave no trace.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Result, error) {
	if err := device.ValidatePair(req.Device, req.Addr); err != nil {
		return Result{Status: StatusError}, err
	}
	dev := device.Canonical(req.Device)
	mode := session.ModeFromDeviceClass(req.DeviceClass)
	res := Result{Status: StatusError, RunID: uuid.NewString(), Device: dev, Mode: mode, Segments: []Segment{}}
	started := time.Now()
	logger := o.logger.With("device", dev, "mode", string(mode), "run_id", res.RunID)

	sess, err := o.registry.BeginRun(dev, req.Addr, mode)
	if err != nil {
		return res, err
	}
	gen := sess.Generation

	recording, err := os.ReadFile(req.Location)
	if err != nil {
		logger.Error("recording artifact unreadable", "location", req.Location, "error", err)
		_ = o.registry.SetStatusIfGeneration(dev, gen, session.StatusError)
		o.observeRun(mode, "artifact_error")
		return res, fmt.Errorf("%w: %v", ErrArtifactUnreadable, err)
	}

	text, err := o.transcriber.Transcribe(ctx, speech.TranscribeRequest{Device: dev, Addr: req.Addr, Audio: recording})
	if err != nil {
		logger.Error("speech-to-text failed", "error", err)
		o.providerError("asr")
		_ = o.registry.SetStatusIfGeneration(dev, gen, session.StatusError)
		o.observeRun(mode, "asr_error")
		return res, err
	}
	if text == "" {
		logger.Info("no speech recognized")
		_ = o.registry.SetStatusIfGeneration(dev, gen, session.StatusIdle)
		o.observeRun(mode, "no_transcript")
		return res, ErrNoTranscript
	}
	res.Text = text
	logger.Info("speech recognized", "text", text)

	o.registry.ClearInterrupt(dev)

	run := &run{o: o, ctx: ctx, dev: dev, addr: req.Addr, mode: mode, gen: gen, started: started, logger: logger}
	streamErr := o.model.Stream(ctx, llm.Request{Device: dev, Text: text, RequestID: res.RunID}, run.handle)
	res.Segments = run.segments
	res.Interrupted = run.interrupted
	res.Elapsed = time.Since(started)

	switch {
	case streamErr != nil:
		logger.Error("reply stream failed", "error", streamErr, "segments", len(run.segments))
		o.providerError("llm")
		_ = o.registry.SetStatusIfGeneration(dev, gen, session.StatusError)
		o.observeRun(mode, "llm_error")
		o.saveTranscript(logger, res, run.replies, StatusError)
		return res, streamErr
	case run.interrupted:
		// The interrupt already moved the session to idle.
	case mode == session.ModePull && o.registry.QueueLen(dev) > 0:
		_ = o.registry.SetStatusIfGeneration(dev, gen, session.StatusAudioReady)
	default:
		_ = o.registry.SetStatusIfGeneration(dev, gen, session.StatusIdle)
	}

	res.Status = StatusSuccess
	if len(res.Segments) == 0 {
		res.Status = StatusEmpty
	}
	o.observeRun(mode, res.Status)
	o.saveTranscript(logger, res, run.replies, res.Status)
	logger.Info("pipeline run finished", "status", res.Status, "segments", len(res.Segments), "interrupted", res.Interrupted, "elapsed", res.Elapsed)
	return res, nil
}

// run holds the per-call state of the unit handler.
type run struct {
	o       *Orchestrator
	ctx     context.Context
	dev     string
	addr    string
	mode    session.Mode
	gen     uint64
	started time.Time
	logger  *slog.Logger

	next        int
	segments    []Segment
	replies     []string
	interrupted bool
}

func (r *run) handle(unit string) error {
	o := r.o
	if o.registry.Interrupted(r.dev) {
		r.interrupted = true
		r.logger.Info("run interrupted", "after_segments", len(r.segments))
		return llm.ErrStopped
	}
	if sess, err := o.registry.Get(r.dev); err != nil || sess.Generation != r.gen {
		r.interrupted = true
		r.logger.Info("run superseded by a newer recording")
		return llm.ErrStopped
	}

	sentence := cleanUnit(unit)
	if sentence == "" {
		return nil
	}
	r.replies = append(r.replies, sentence)

	wav, err := o.synthesizer.Synthesize(r.ctx, speech.SynthesizeRequest{Device: r.dev, Addr: r.addr, Text: sentence})
	if err != nil {
		o.providerError("tts")
		r.logger.Warn("synthesis failed, sentence skipped", "sentence", sentence, "error", err)
		return nil
	}

	seg := session.AudioSegment{Index: r.next, Generation: r.gen, Text: sentence, Audio: wav}
	if r.next == 0 {
		o.metrics.ObserveFirstSegmentLatency(time.Since(r.started))
	}

	if r.mode == session.ModePull {
		if _, err := o.registry.Enqueue(r.dev, r.gen, seg); err != nil {
			if errors.Is(err, session.ErrStaleGeneration) || errors.Is(err, session.ErrNotFound) {
				r.interrupted = true
				return llm.ErrStopped
			}
			return err
		}
		if r.next == 0 {
			_ = o.registry.SetStatusIfGeneration(r.dev, r.gen, session.StatusAudioReady)
		}
		r.record(seg, false)
		return nil
	}

	delivered, stop := r.push(seg)
	r.record(seg, delivered)
	if stop {
		r.interrupted = true
		return llm.ErrStopped
	}
	return nil
}

// push writes the segment to an artifact and hands it to the pusher. stop is
// true when the transfer was cut by an interrupt or a newer transfer.
func (r *run) push(seg session.AudioSegment) (delivered, stop bool) {
	o := r.o
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		r.logger.Error("create output dir failed", "error", err)
		return false, false
	}
	path := filepath.Join(o.cfg.OutputDir, uuid.NewString()+".wav")
	if err := os.WriteFile(path, seg.Audio, 0o644); err != nil {
		r.logger.Error("write reply artifact failed", "error", err)
		return false, false
	}
	seg.ArtifactPath = path
	seg.Audio = nil

	err := o.pusher.Push(r.ctx, r.dev, seg)
	switch {
	case err == nil:
		return true, false
	case errors.Is(err, delivery.ErrPreempted), errors.Is(err, delivery.ErrCancelled),
		errors.Is(err, session.ErrStaleGeneration), errors.Is(err, context.Canceled):
		_ = os.Remove(path)
		return false, true
	default:
		_ = os.Remove(path)
		r.logger.Warn("segment push failed", "index", seg.Index, "error", err)
		return false, false
	}
}

func (r *run) record(seg session.AudioSegment, delivered bool) {
	r.segments = append(r.segments, Segment{Index: seg.Index, Text: seg.Text, Bytes: len(seg.Audio), Delivered: delivered})
	r.next++
	if r.o.metrics != nil {
		r.o.metrics.SegmentsProduced.WithLabelValues(string(r.mode)).Inc()
	}
}

func (o *Orchestrator) saveTranscript(logger *slog.Logger, res Result, replies []string, outcome string) {
	if o.transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.transcripts.Save(ctx, transcript.Redact(transcript.Record{
		RunID:    res.RunID,
		Device:   res.Device,
		Mode:     string(res.Mode),
		Heard:    res.Text,
		Replies:  replies,
		Segments: len(res.Segments),
		Outcome:  outcome,
	}))
	if err != nil {
		logger.Warn("transcript save failed", "error", err)
	}
}

func (o *Orchestrator) providerError(service string) {
	if o.metrics != nil {
		o.metrics.ProviderErrors.WithLabelValues(service).Inc()
	}
}

func (o *Orchestrator) observeRun(mode session.Mode, outcome string) {
	if o.metrics != nil {
		o.metrics.PipelineRuns.WithLabelValues(string(mode), outcome).Inc()
	}
}
