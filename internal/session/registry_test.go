package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const testDevice = "AA:BB:CC:DD:EE:FF"

func TestStartReplacesSessionAndClearsState(t *testing.T) {
	r := NewRegistry(time.Minute)
	first, err := r.Start(testDevice, "10.0.0.2", ModePull)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := r.Enqueue(testDevice, first.Generation, AudioSegment{Index: 0}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	r.RaiseInterrupt(testDevice)

	second, err := r.Start("aa-bb-cc-dd-ee-ff", "10.0.0.3", ModePull)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if second.Generation <= first.Generation {
		t.Fatalf("generation = %d, want > %d", second.Generation, first.Generation)
	}
	got, err := r.Get(testDevice)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Addr != "10.0.0.3" || got.Status != StatusRecording || got.QueueLength != 0 || got.Interrupted {
		t.Fatalf("unexpected session after restart: %+v", got)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestEnqueueRejectsSupersededGeneration(t *testing.T) {
	r := NewRegistry(time.Minute)
	old, _ := r.Start(testDevice, "10.0.0.2", ModePull)
	_, _ = r.Start(testDevice, "10.0.0.2", ModePull)

	_, err := r.Enqueue(testDevice, old.Generation, AudioSegment{Index: 0})
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("Enqueue(stale) error = %v, want %v", err, ErrStaleGeneration)
	}
	if r.QueueLen(testDevice) != 0 {
		t.Fatalf("QueueLen() = %d, want 0", r.QueueLen(testDevice))
	}
}

func TestAdvanceMatchesByIndex(t *testing.T) {
	r := NewRegistry(time.Minute)
	s, _ := r.Start(testDevice, "10.0.0.2", ModePull)
	for _, idx := range []int{2, 0, 1} {
		if _, err := r.Enqueue(testDevice, s.Generation, AudioSegment{Index: idx}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", idx, err)
		}
	}
	head, ok := r.PeekHead(testDevice)
	if !ok || head.Index != 0 {
		t.Fatalf("PeekHead() = %+v, %v; want index 0", head, ok)
	}

	res, err := r.Advance(testDevice, 1)
	if err != nil {
		t.Fatalf("Advance(1) error = %v", err)
	}
	if !res.Removed || res.Remaining != 2 || res.NextIndex != 0 {
		t.Fatalf("Advance(1) = %+v", res)
	}

	// A retried acknowledgment is harmless.
	res, _ = r.Advance(testDevice, 1)
	if res.Removed || res.Remaining != 2 {
		t.Fatalf("Advance(1) retry = %+v", res)
	}

	_, _ = r.Advance(testDevice, 0)
	res, _ = r.Advance(testDevice, 2)
	if res.Remaining != 0 || res.NextIndex != -1 {
		t.Fatalf("final Advance() = %+v, want drained", res)
	}
}

func TestQueueHeadMatchesLength(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, _, ok := r.QueueHead(testDevice); ok {
		t.Fatalf("QueueHead() on unknown device ok = true")
	}
	s, _ := r.Start(testDevice, "10.0.0.2", ModePull)
	for _, idx := range []int{0, 1, 2} {
		_, _ = r.Enqueue(testDevice, s.Generation, AudioSegment{Index: idx})
	}
	_, _ = r.Advance(testDevice, 0)

	head, total, ok := r.QueueHead(testDevice)
	if !ok || head.Index != 1 || total != 2 {
		t.Fatalf("QueueHead() = index %d total %d ok %v, want 1 2 true", head.Index, total, ok)
	}
}

func TestQueueHeadConsistentUnderConcurrentAdvance(t *testing.T) {
	r := NewRegistry(time.Minute)
	s, _ := r.Start(testDevice, "10.0.0.2", ModePull)
	const n = 200
	for i := 0; i < n; i++ {
		_, _ = r.Enqueue(testDevice, s.Generation, AudioSegment{Index: i})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			_, _ = r.Advance(testDevice, i)
		}
	}()
	for {
		head, total, ok := r.QueueHead(testDevice)
		if ok && head.Index+total != n {
			t.Fatalf("head %d with total %d, want head+total = %d", head.Index, total, n)
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestRaiseInterruptClearsQueue(t *testing.T) {
	r := NewRegistry(time.Minute)
	s, _ := r.Start(testDevice, "10.0.0.2", ModePull)
	_, _ = r.Enqueue(testDevice, s.Generation, AudioSegment{Index: 0})
	_, _ = r.Enqueue(testDevice, s.Generation, AudioSegment{Index: 1})

	if n := r.RaiseInterrupt(testDevice); n != 2 {
		t.Fatalf("RaiseInterrupt() cleared = %d, want 2", n)
	}
	if !r.Interrupted(testDevice) {
		t.Fatalf("Interrupted() = false, want true")
	}
	if _, ok := r.PeekHead(testDevice); ok {
		t.Fatalf("queue should be empty after interrupt")
	}
	r.ClearInterrupt(testDevice)
	if r.Interrupted(testDevice) {
		t.Fatalf("Interrupted() after clear = true")
	}
}

func TestBeginRunKeepsPullGeneration(t *testing.T) {
	r := NewRegistry(time.Minute)
	started, _ := r.Start(testDevice, "10.0.0.2", ModePull)
	run, err := r.BeginRun(testDevice, "10.0.0.9", ModePull)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	if run.Generation != started.Generation {
		t.Fatalf("generation = %d, want %d", run.Generation, started.Generation)
	}
	if run.Status != StatusProcessing || run.Addr != "10.0.0.9" {
		t.Fatalf("unexpected run session: %+v", run)
	}

	push, _ := r.BeginRun("11:22:33:44:55:66", "10.0.0.5", ModePush)
	if push.Generation == 0 || push.Mode != ModePush {
		t.Fatalf("unexpected push session: %+v", push)
	}
}

func TestBeginRunAfterConsumedHandshakeOpensGeneration(t *testing.T) {
	r := NewRegistry(time.Minute)
	_, _ = r.Start(testDevice, "10.0.0.2", ModePull)
	first, _ := r.BeginRun(testDevice, "10.0.0.2", ModePull)
	for i := 0; i < 2; i++ {
		if _, err := r.Enqueue(testDevice, first.Generation, AudioSegment{Index: i}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	_ = r.SetStatus(testDevice, StatusAudioReady)

	second, err := r.BeginRun(testDevice, "10.0.0.2", ModePull)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	if second.Generation <= first.Generation {
		t.Fatalf("generation = %d, want > %d", second.Generation, first.Generation)
	}
	if r.QueueLen(testDevice) != 0 {
		t.Fatalf("QueueLen() = %d, want 0", r.QueueLen(testDevice))
	}
	if _, err := r.Enqueue(testDevice, first.Generation, AudioSegment{Index: 2}); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("Enqueue(old generation) error = %v, want %v", err, ErrStaleGeneration)
	}
}

func TestSetStatusIfGenerationIgnoresOldRuns(t *testing.T) {
	r := NewRegistry(time.Minute)
	old, _ := r.Start(testDevice, "10.0.0.2", ModePull)
	_, _ = r.Start(testDevice, "10.0.0.2", ModePull)
	if err := r.SetStatusIfGeneration(testDevice, old.Generation, StatusAudioReady); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("SetStatusIfGeneration() error = %v, want %v", err, ErrStaleGeneration)
	}
	got, _ := r.Get(testDevice)
	if got.Status != StatusRecording {
		t.Fatalf("Status = %q, want %q", got.Status, StatusRecording)
	}
}

func TestEventHookSeesTransitions(t *testing.T) {
	r := NewRegistry(time.Minute)
	var mu sync.Mutex
	var seen []Status
	r.SetEventHook(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Status)
	})
	_, _ = r.Start(testDevice, "10.0.0.2", ModePull)
	_ = r.SetStatus(testDevice, StatusProcessing)
	_ = r.SetStatus(testDevice, StatusProcessing)
	_ = r.SetStatus(testDevice, StatusAudioReady)

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusRecording, StatusProcessing, StatusAudioReady}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events = %v, want %v", seen, want)
		}
	}
}

func TestConcurrentStartAndEnqueue(t *testing.T) {
	r := NewRegistry(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Start(testDevice, "10.0.0.2", ModePull)
		}()
		go func(idx int) {
			defer wg.Done()
			if s, err := r.Get(testDevice); err == nil {
				_, _ = r.Enqueue(testDevice, s.Generation, AudioSegment{Index: idx})
			}
		}(i)
	}
	wg.Wait()

	s, _ := r.Start(testDevice, "10.0.0.2", ModePull)
	if s.QueueLength != 0 {
		t.Fatalf("QueueLength after Start = %d, want 0", s.QueueLength)
	}
}

func TestJanitorExpiresIdleDevices(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)
	_, _ = r.Start(testDevice, "10.0.0.2", ModePull)
	_ = r.SetStatus(testDevice, StatusIdle)

	busy, _ := r.BeginRun("11:22:33:44:55:66", "10.0.0.5", ModePush)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if _, err := r.Get(testDevice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(idle) error = %v, want %v", err, ErrNotFound)
	}
	if _, err := r.Get(busy.Device); err != nil {
		t.Fatalf("Get(processing) error = %v, want nil", err)
	}
}
