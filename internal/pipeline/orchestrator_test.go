package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/edgevoice/internal/llm"
	"github.com/antoniostano/edgevoice/internal/session"
	"github.com/antoniostano/edgevoice/internal/speech"
	"github.com/antoniostano/edgevoice/internal/transcript"
)

const (
	testDevice = "AA:BB:CC:DD:EE:FF"
	testAddr   = "192.168.1.20"
)

type fakeTranscriber struct {
	text  string
	err   error
	mu    sync.Mutex
	calls int
	audio []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, req speech.TranscribeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.audio = req.Audio
	return f.text, f.err
}

type fakeSynthesizer struct {
	failOn string
	mu     sync.Mutex
	texts  []string
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, req speech.SynthesizeRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, req.Text)
	if f.failOn != "" && strings.Contains(req.Text, f.failOn) {
		return nil, errors.New("tts unavailable")
	}
	return []byte("wav:" + req.Text), nil
}

func (f *fakeSynthesizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

// scriptedModel emits units in order and runs an optional hook after each.
type scriptedModel struct {
	units     []string
	err       error
	afterUnit func(i int)
}

func (m *scriptedModel) Stream(_ context.Context, _ llm.Request, onUnit llm.UnitHandler) error {
	for i, u := range m.units {
		if err := onUnit(u); err != nil {
			if errors.Is(err, llm.ErrStopped) {
				return nil
			}
			return err
		}
		if m.afterUnit != nil {
			m.afterUnit(i)
		}
	}
	return m.err
}

type fakePusher struct {
	mu        sync.Mutex
	segments  []session.AudioSegment
	artifacts []bool
	err       error
}

func (p *fakePusher) Push(_ context.Context, _ string, seg session.AudioSegment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, statErr := os.Stat(seg.ArtifactPath)
	p.artifacts = append(p.artifacts, statErr == nil)
	p.segments = append(p.segments, seg)
	return p.err
}

type harness struct {
	reg      *session.Registry
	asr      *fakeTranscriber
	tts      *fakeSynthesizer
	model    *scriptedModel
	pusher   *fakePusher
	store    *transcript.InMemoryStore
	orch     *Orchestrator
	outDir   string
	artifact string
}

func newHarness(t *testing.T, units ...string) *harness {
	t.Helper()
	h := &harness{
		reg:    session.NewRegistry(time.Minute),
		asr:    &fakeTranscriber{text: "what time is it"},
		tts:    &fakeSynthesizer{},
		model:  &scriptedModel{units: units},
		pusher: &fakePusher{},
		store:  transcript.NewInMemoryStore(10),
		outDir: t.TempDir(),
	}
	h.orch = NewOrchestrator(h.reg, h.asr, h.tts, h.model, h.pusher, h.store, nil, nil, Config{OutputDir: h.outDir})
	h.artifact = filepath.Join(t.TempDir(), "rec.wav")
	if err := os.WriteFile(h.artifact, make([]byte, 2000), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return h
}

func (h *harness) request(class string) Request {
	return Request{Device: testDevice, Addr: testAddr, Location: h.artifact, DeviceClass: class}
}

func TestPullRunQueuesContiguousSegments(t *testing.T) {
	h := newHarness(t, "It is noon.", "<think>check clock</think>", "Enjoy lunch!", "Bye.")
	h.tts.failOn = "lunch"
	if _, err := h.reg.Start(testDevice, testAddr, session.ModePull); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res, err := h.orch.Process(context.Background(), h.request("4G"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Status != StatusSuccess || res.Text != "what time is it" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Segments) != 2 || res.Segments[0].Index != 0 || res.Segments[1].Index != 1 {
		t.Fatalf("segments = %+v, want indices 0,1", res.Segments)
	}
	if res.Segments[1].Text != "Bye." {
		t.Fatalf("second segment = %q, want %q", res.Segments[1].Text, "Bye.")
	}
	if h.tts.calls() != 3 {
		t.Fatalf("tts calls = %d, want 3", h.tts.calls())
	}
	if got := h.reg.QueueLen(testDevice); got != 2 {
		t.Fatalf("QueueLen() = %d, want 2", got)
	}
	sess, _ := h.reg.Get(testDevice)
	if sess.Status != session.StatusAudioReady {
		t.Fatalf("status = %q, want %q", sess.Status, session.StatusAudioReady)
	}
	head, _ := h.reg.PeekHead(testDevice)
	if string(head.Audio) != "wav:It is noon." {
		t.Fatalf("head audio = %q", head.Audio)
	}

	records, _ := h.store.Recent(context.Background(), testDevice, 1)
	if len(records) != 1 || records[0].Segments != 2 || records[0].Outcome != StatusSuccess {
		t.Fatalf("transcript = %+v", records)
	}
}

func TestEmptyTranscriptLeavesQueueAlone(t *testing.T) {
	h := newHarness(t, "unused.")
	h.asr.text = ""
	sess, _ := h.reg.Start(testDevice, testAddr, session.ModePull)
	_, _ = h.reg.Enqueue(testDevice, sess.Generation, session.AudioSegment{Index: 0, Audio: []byte{1}})

	_, err := h.orch.Process(context.Background(), h.request("4G"))
	if !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("Process() error = %v, want %v", err, ErrNoTranscript)
	}
	if got := h.reg.QueueLen(testDevice); got != 1 {
		t.Fatalf("QueueLen() = %d, want 1", got)
	}
	if h.tts.calls() != 0 {
		t.Fatalf("tts calls = %d, want 0", h.tts.calls())
	}
	got, _ := h.reg.Get(testDevice)
	if got.Status != session.StatusIdle {
		t.Fatalf("status = %q, want idle", got.Status)
	}
}

func TestUnreadableArtifactMarksError(t *testing.T) {
	h := newHarness(t, "unused.")
	req := h.request("WiFi")
	req.Location = filepath.Join(t.TempDir(), "missing.wav")

	res, err := h.orch.Process(context.Background(), req)
	if !errors.Is(err, ErrArtifactUnreadable) {
		t.Fatalf("Process() error = %v, want %v", err, ErrArtifactUnreadable)
	}
	if res.Status != StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if h.asr.calls != 0 {
		t.Fatalf("asr calls = %d, want 0", h.asr.calls)
	}
	sess, _ := h.reg.Get(testDevice)
	if sess.Status != session.StatusError {
		t.Fatalf("session status = %q, want error", sess.Status)
	}
}

func TestInvalidAddressesAreRejected(t *testing.T) {
	h := newHarness(t, "unused.")
	req := h.request("4G")
	req.Device = "AA:BB:CC:DD:EE"
	if _, err := h.orch.Process(context.Background(), req); err == nil {
		t.Fatalf("Process() with bad device address error = nil")
	}
	req = h.request("4G")
	req.Addr = "not-an-ip"
	if _, err := h.orch.Process(context.Background(), req); err == nil {
		t.Fatalf("Process() with bad network address error = nil")
	}
	if h.reg.Count() != 0 {
		t.Fatalf("registry mutated by invalid request")
	}
}

func TestInterruptStopsProduction(t *testing.T) {
	h := newHarness(t, "One.", "Two.", "Three.", "Four.")
	h.model.afterUnit = func(i int) {
		if i == 0 {
			h.reg.RaiseInterrupt(testDevice)
		}
	}
	_, _ = h.reg.Start(testDevice, testAddr, session.ModePull)

	res, err := h.orch.Process(context.Background(), h.request("4G"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !res.Interrupted {
		t.Fatalf("Interrupted = false")
	}
	if len(res.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(res.Segments))
	}
	if got := h.reg.QueueLen(testDevice); got != 0 {
		t.Fatalf("QueueLen() = %d, want 0 after interrupt", got)
	}
	sess, _ := h.reg.Get(testDevice)
	if sess.Status != session.StatusIdle {
		t.Fatalf("status = %q, want idle", sess.Status)
	}
}

func TestPreviousInterruptIsClearedByNewRun(t *testing.T) {
	h := newHarness(t, "Hello.")
	_, _ = h.reg.Start(testDevice, testAddr, session.ModePull)
	h.reg.RaiseInterrupt(testDevice)

	res, err := h.orch.Process(context.Background(), h.request("4G"))
	if err != nil || len(res.Segments) != 1 {
		t.Fatalf("Process() = %+v, %v; want one segment", res, err)
	}
}

func TestSecondPullRunWithoutHandshakeRestartsIndices(t *testing.T) {
	h := newHarness(t, "One.", "Two.")
	_, _ = h.reg.Start(testDevice, testAddr, session.ModePull)

	for run := 0; run < 2; run++ {
		if _, err := h.orch.Process(context.Background(), h.request("4G")); err != nil {
			t.Fatalf("run %d: Process() error = %v", run, err)
		}
	}

	if got := h.reg.QueueLen(testDevice); got != 2 {
		t.Fatalf("QueueLen() = %d, want 2", got)
	}
	for i := 0; i < 2; i++ {
		seg, err := h.reg.Segment(testDevice, i)
		if err != nil || seg.Index != i {
			t.Fatalf("Segment(%d) = %+v, %v", i, seg, err)
		}
	}
	res, err := h.reg.Advance(testDevice, 0)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if res.Remaining != 1 || res.NextIndex != 1 {
		t.Fatalf("Advance(0) = %+v, want remaining=1 next=1", res)
	}
}

func TestPushRunHandsSegmentsToPusher(t *testing.T) {
	h := newHarness(t, "First.", "Second.")

	res, err := h.orch.Process(context.Background(), h.request("WiFi"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Mode != session.ModePush || len(res.Segments) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(h.pusher.segments) != 2 || h.pusher.segments[0].Index != 0 || h.pusher.segments[1].Index != 1 {
		t.Fatalf("pushed = %+v", h.pusher.segments)
	}
	for i, ok := range h.pusher.artifacts {
		if !ok {
			t.Fatalf("artifact %d missing at push time", i)
		}
	}
	if !res.Segments[0].Delivered {
		t.Fatalf("segment 0 not marked delivered")
	}
	if h.reg.QueueLen(testDevice) != 0 {
		t.Fatalf("push mode queued segments")
	}
	sess, _ := h.reg.Get(testDevice)
	if sess.Status != session.StatusIdle {
		t.Fatalf("status = %q, want idle", sess.Status)
	}
}

func TestAllSynthesisFailuresReportEmpty(t *testing.T) {
	h := newHarness(t, "A.", "B.")
	h.tts.failOn = "."

	res, err := h.orch.Process(context.Background(), h.request("4G"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Status != StatusEmpty || len(res.Segments) != 0 {
		t.Fatalf("result = %+v, want empty", res)
	}
	sess, _ := h.reg.Get(testDevice)
	if sess.Status != session.StatusIdle {
		t.Fatalf("status = %q, want idle", sess.Status)
	}
}

func TestModelFailureMarksError(t *testing.T) {
	h := newHarness(t, "Partial.")
	h.model.err = errors.New("llm down")

	res, err := h.orch.Process(context.Background(), h.request("4G"))
	if err == nil || res.Status != StatusError {
		t.Fatalf("Process() = %+v, %v; want error", res, err)
	}
	sess, _ := h.reg.Get(testDevice)
	if sess.Status != session.StatusError {
		t.Fatalf("status = %q, want error", sess.Status)
	}
}

func TestCleanUnit(t *testing.T) {
	cases := map[string]string{
		"  Hello.  ":                         "Hello.",
		"<think>plan\nsteps</think>Answer.":  "Answer.",
		"<think>a</think>x<think>b</think>y": "xy",
		"<think>only</think>":                "",
	}
	for in, want := range cases {
		if got := cleanUnit(in); got != want {
			t.Fatalf("cleanUnit(%q) = %q, want %q", in, got, want)
		}
	}
}
