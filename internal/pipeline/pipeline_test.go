package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ayusman/fingerspell/internal/capture"
	"github.com/ayusman/fingerspell/internal/detector"
	"github.com/ayusman/fingerspell/internal/feature"
	"github.com/ayusman/fingerspell/internal/symbol"
	"gocv.io/x/gocv"
)

// fakeDetector answers every Submit on its results channel.
type fakeDetector struct {
	mu        sync.Mutex
	hands     []detector.HandLandmarks
	resultErr error
	submitErr error
	silentSeq uint64 // this sequence number never gets an answer until the next submit
	hold      chan struct{}
	seq       uint64
	submits   int
	closes    int
	results   chan detector.Result
	done      chan struct{}
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{
		results: make(chan detector.Result, 16),
		done:    make(chan struct{}),
	}
}

func (d *fakeDetector) Submit(frame *capture.Frame) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.submits++
	if d.submitErr != nil {
		return 0, d.submitErr
	}
	d.seq++
	seq := d.seq

	if d.silentSeq != 0 && seq == d.silentSeq {
		return seq, nil
	}
	if d.silentSeq != 0 && seq == d.silentSeq+1 {
		// The late answer for the silent frame arrives first.
		d.results <- detector.Result{Seq: d.silentSeq}
	}

	res := detector.Result{Seq: seq, Hands: d.hands, Err: d.resultErr, Timestamp: frame.Timestamp}
	if d.hold == nil {
		d.results <- res
		return seq, nil
	}

	hold, done := d.hold, d.done
	go func() {
		select {
		case <-hold:
		case <-done:
			return
		}
		select {
		case d.results <- res:
		case <-done:
		}
	}()
	return seq, nil
}

func (d *fakeDetector) Results() <-chan detector.Result {
	return d.results
}

func (d *fakeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	if d.closes == 1 {
		close(d.done)
	}
	return nil
}

func (d *fakeDetector) counts() (submits, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits, d.closes
}

type fakeClassifier struct {
	mu     sync.Mutex
	scores []float32
	err    error
	panics bool
	calls  int
	closes int
}

func (c *fakeClassifier) Classify(vec feature.Vector) ([]float32, error) {
	c.mu.Lock()
	c.calls++
	panics := c.panics
	c.mu.Unlock()

	if panics {
		panic("classifier exploded")
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.scores, nil
}

func (c *fakeClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeClassifier) counts() (calls, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.closes
}

type collector struct {
	ch chan Outcome
}

func newCollector() *collector {
	return &collector{ch: make(chan Outcome, 32)}
}

func (c *collector) HandleOutcome(o Outcome) {
	c.ch <- o
}

func (c *collector) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-c.ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func (c *collector) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case o := <-c.ch:
		t.Fatalf("unexpected outcome %+v", o)
	case <-time.After(wait):
	}
}

func letterScores(winner int, conf float32) []float32 {
	s := make([]float32, symbol.MaxLetters)
	s[0] = 0.1
	s[winner] = conf
	return s
}

func newFrame() *capture.Frame {
	return capture.NewFrame(gocv.NewMat(), 0, false, time.Now())
}

type harness struct {
	p    *Pipeline
	det  *fakeDetector
	cls  *fakeClassifier
	sink *collector
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()

	h := &harness{
		det:  newFakeDetector(),
		cls:  &fakeClassifier{scores: letterScores(1, 0.9)},
		sink: newCollector(),
	}
	h.det.hands = []detector.HandLandmarks{detector.UniformLandmarks(0.5)}

	dec, err := symbol.NewDecoder(symbol.DefaultAlphabet())
	if err != nil {
		t.Fatal(err)
	}

	h.p, err = New(Config{
		OpenDetector:   func() (Landmarker, error) { return h.det, nil },
		OpenClassifier: func() (Classifier, error) { return h.cls, nil },
		Decoder:        dec,
		Sink:           h.sink,
		FrameTimeout:   timeout,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.p.Stop() })
}

// waitIdle waits for the in-flight marker to clear.
func waitIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().InFlight {
		if time.Now().After(deadline) {
			t.Fatal("pipeline still has a frame in flight")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	dec, _ := symbol.NewDecoder(symbol.DefaultAlphabet())
	openDet := func() (Landmarker, error) { return newFakeDetector(), nil }
	openCls := func() (Classifier, error) { return &fakeClassifier{}, nil }

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no detector", cfg: Config{OpenClassifier: openCls, Decoder: dec}},
		{name: "no classifier", cfg: Config{OpenDetector: openDet, Decoder: dec}},
		{name: "no decoder", cfg: Config{OpenDetector: openDet, OpenClassifier: openCls}},
		{name: "negative timeout", cfg: Config{OpenDetector: openDet, OpenClassifier: openCls, Decoder: dec, FrameTimeout: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestPipeline_RecognizesSymbol(t *testing.T) {
	h := newHarness(t, DefaultFrameTimeout)
	h.start(t)

	frame := newFrame()
	if !h.p.Submit(frame) {
		t.Fatal("first frame should be admitted")
	}

	o := h.sink.next(t)
	if o.Kind != OutcomeSymbol {
		t.Fatalf("kind = %s, want symbol (err %v)", o.Kind, o.Err)
	}
	if o.Result.Symbol != "B" {
		t.Errorf("symbol = %q, want B", o.Result.Symbol)
	}
	if o.Result.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", o.Result.Confidence)
	}
	if o.Result.LatencyMs < 0 {
		t.Errorf("latency = %d, want >= 0", o.Result.LatencyMs)
	}
	if !o.FrameTime.Equal(frame.Timestamp) {
		t.Errorf("frame time = %v, want %v", o.FrameTime, frame.Timestamp)
	}

	waitIdle(t, h.p)
	if frame.Releases() != 1 {
		t.Errorf("frame released %d times, want 1", frame.Releases())
	}

	stats := h.p.Stats()
	if stats.Admitted != 1 || stats.Symbols != 1 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPipeline_NoHand(t *testing.T) {
	h := newHarness(t, DefaultFrameTimeout)
	h.det.hands = nil
	h.start(t)

	frame := newFrame()
	h.p.Submit(frame)

	o := h.sink.next(t)
	if o.Kind != OutcomeNoHand {
		t.Fatalf("kind = %s, want no_hand", o.Kind)
	}
	if calls, _ := h.cls.counts(); calls != 0 {
		t.Errorf("classifier called %d times, want 0", calls)
	}

	waitIdle(t, h.p)
	if frame.Releases() != 1 {
		t.Errorf("frame released %d times, want 1", frame.Releases())
	}
	if h.p.Stats().NoHand != 1 {
		t.Errorf("no-hand count = %d, want 1", h.p.Stats().NoHand)
	}
}

func TestPipeline_StopTwice(t *testing.T) {
	h := newHarness(t, DefaultFrameTimeout)
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.p.State() != StateRunning {
		t.Fatalf("state = %s, want running", h.p.State())
	}

	if err := h.p.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := h.p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if h.p.State() != StateStopped {
		t.Errorf("state = %s, want stopped", h.p.State())
	}

	if _, closes := h.det.counts(); closes != 1 {
		t.Errorf("detector closed %d times, want 1", closes)
	}
	if _, closes := h.cls.counts(); closes != 1 {
		t.Errorf("classifier closed %d times, want 1", closes)
	}
}

func TestPipeline_AdmissionBurst(t *testing.T) {
	h := newHarness(t, 0)
	h.det.hold = make(chan struct{})
	h.start(t)

	first := newFrame()
	if !h.p.Submit(first) {
		t.Fatal("first frame should be admitted")
	}

	var burst []*capture.Frame
	for i := 0; i < 5; i++ {
		f := newFrame()
		burst = append(burst, f)
		if h.p.Submit(f) {
			t.Fatalf("frame %d admitted while another was in flight", i)
		}
	}

	for i, f := range burst {
		if f.Releases() != 1 {
			t.Errorf("dropped frame %d released %d times, want 1", i, f.Releases())
		}
	}

	close(h.det.hold)
	if o := h.sink.next(t); o.Kind != OutcomeSymbol {
		t.Errorf("kind = %s, want symbol", o.Kind)
	}
	h.sink.none(t, 50*time.Millisecond)

	waitIdle(t, h.p)
	if first.Releases() != 1 {
		t.Errorf("admitted frame released %d times, want 1", first.Releases())
	}
	if submits, _ := h.det.counts(); submits != 1 {
		t.Errorf("detector saw %d frames, want 1", submits)
	}

	stats := h.p.Stats()
	if stats.Admitted != 1 || stats.Dropped != 5 {
		t.Errorf("stats = %+v, want 1 admitted and 5 dropped", stats)
	}

	// The slot is free again once the frame completes.
	next := newFrame()
	h.det.mu.Lock()
	h.det.hold = nil
	h.det.mu.Unlock()
	if !h.p.Submit(next) {
		t.Error("frame after completion should be admitted")
	}
	h.sink.next(t)
}

func TestPipeline_ReleasesOnEveryPath(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness)
		wantKind OutcomeKind
		wantErr  ErrorKind
	}{
		{
			name:     "submit error",
			setup:    func(h *harness) { h.det.submitErr = detector.ErrQueueFull },
			wantKind: OutcomeError,
			wantErr:  ErrorDetect,
		},
		{
			name:     "detection error",
			setup:    func(h *harness) { h.det.resultErr = errors.New("backend died") },
			wantKind: OutcomeError,
			wantErr:  ErrorDetect,
		},
		{
			name: "partial hand",
			setup: func(h *harness) {
				h.det.hands = []detector.HandLandmarks{{Points: make([]detector.Point3D, 20)}}
			},
			wantKind: OutcomeError,
			wantErr:  ErrorFeature,
		},
		{
			name:     "classify error",
			setup:    func(h *harness) { h.cls.err = errors.New("bad tensor") },
			wantKind: OutcomeError,
			wantErr:  ErrorClassify,
		},
		{
			name:     "decode error",
			setup:    func(h *harness) { h.cls.scores = []float32{} },
			wantKind: OutcomeError,
			wantErr:  ErrorDecode,
		},
		{
			name:     "classifier panic",
			setup:    func(h *harness) { h.cls.panics = true },
			wantKind: OutcomeError,
			wantErr:  ErrorInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultFrameTimeout)
			tt.setup(h)
			h.start(t)

			frame := newFrame()
			if !h.p.Submit(frame) {
				t.Fatal("frame should be admitted")
			}

			o := h.sink.next(t)
			if o.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", o.Kind, tt.wantKind)
			}
			if o.Err == nil || o.Err.Kind != tt.wantErr {
				t.Fatalf("error = %+v, want kind %s", o.Err, tt.wantErr)
			}

			waitIdle(t, h.p)
			if frame.Releases() != 1 {
				t.Errorf("frame released %d times, want 1", frame.Releases())
			}

			// The pipeline keeps running after a per-frame failure.
			if h.p.State() != StateRunning {
				t.Errorf("state = %s, want running", h.p.State())
			}
			if h.p.Stats().Errors != 1 {
				t.Errorf("errors = %d, want 1", h.p.Stats().Errors)
			}
		})
	}
}

func TestPipeline_ErrorUnwraps(t *testing.T) {
	h := newHarness(t, DefaultFrameTimeout)
	h.start(t)

	h.det.mu.Lock()
	h.det.hands = []detector.HandLandmarks{{}}
	h.det.mu.Unlock()

	h.p.Submit(newFrame())
	o := h.sink.next(t)
	if !errors.Is(o.Err, feature.ErrInvalidKeypointCount) {
		t.Errorf("err = %v, want ErrInvalidKeypointCount", o.Err)
	}
}

func TestPipeline_FrameTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	h.det.silentSeq = 1
	h.start(t)

	first := newFrame()
	h.p.Submit(first)

	o := h.sink.next(t)
	if o.Kind != OutcomeError || o.Err.Kind != ErrorDetect {
		t.Fatalf("outcome = %+v, want detect error", o)
	}
	if !errors.Is(o.Err, ErrFrameTimeout) {
		t.Errorf("err = %v, want ErrFrameTimeout", o.Err)
	}

	waitIdle(t, h.p)
	if first.Releases() != 1 {
		t.Errorf("timed out frame released %d times, want 1", first.Releases())
	}

	// The late answer for the first frame must not be reported for the second.
	if !h.p.Submit(newFrame()) {
		t.Fatal("second frame should be admitted")
	}
	if o := h.sink.next(t); o.Kind != OutcomeSymbol {
		t.Errorf("kind = %s, want symbol", o.Kind)
	}
	h.sink.none(t, 50*time.Millisecond)
}

func TestPipeline_StopWithFrameInFlight(t *testing.T) {
	h := newHarness(t, 0)
	h.det.hold = make(chan struct{})
	h.start(t)

	frame := newFrame()
	h.p.Submit(frame)

	done := make(chan error, 1)
	go func() { done <- h.p.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if frame.Releases() != 1 {
		t.Errorf("in-flight frame released %d times, want 1", frame.Releases())
	}
	h.sink.none(t, 20*time.Millisecond)

	late := newFrame()
	if h.p.Submit(late) {
		t.Error("frame admitted after Stop")
	}
	if late.Releases() != 1 {
		t.Errorf("rejected frame released %d times, want 1", late.Releases())
	}
}

func TestPipeline_StartupFailure(t *testing.T) {
	dec, _ := symbol.NewDecoder(symbol.DefaultAlphabet())
	loadErr := errors.New("model missing")

	t.Run("detector", func(t *testing.T) {
		cls := &fakeClassifier{}
		p, _ := New(Config{
			OpenDetector:   func() (Landmarker, error) { return nil, loadErr },
			OpenClassifier: func() (Classifier, error) { return cls, nil },
			Decoder:        dec,
		})

		err := p.Start(context.Background())
		if !errors.Is(err, ErrStartup) || !errors.Is(err, loadErr) {
			t.Fatalf("err = %v, want ErrStartup wrapping the load error", err)
		}
		if p.State() != StateStopped {
			t.Errorf("state = %s, want stopped", p.State())
		}
		if calls, _ := cls.counts(); calls != 0 {
			t.Error("classifier should not be used")
		}
	})

	t.Run("classifier", func(t *testing.T) {
		det := newFakeDetector()
		p, _ := New(Config{
			OpenDetector:   func() (Landmarker, error) { return det, nil },
			OpenClassifier: func() (Classifier, error) { return nil, loadErr },
			Decoder:        dec,
		})

		if err := p.Start(context.Background()); !errors.Is(err, ErrStartup) {
			t.Fatalf("err = %v, want ErrStartup", err)
		}
		if _, closes := det.counts(); closes != 1 {
			t.Errorf("detector closed %d times, want 1", closes)
		}
		if p.State() != StateStopped {
			t.Errorf("state = %s, want stopped", p.State())
		}

		frame := newFrame()
		if p.Submit(frame) {
			t.Error("frame admitted by a stopped pipeline")
		}
		if frame.Releases() != 1 {
			t.Errorf("frame released %d times, want 1", frame.Releases())
		}
		if err := p.Stop(); err != nil {
			t.Errorf("Stop after failed Start: %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		opened := false
		p, _ := New(Config{
			OpenDetector:   func() (Landmarker, error) { opened = true; return newFakeDetector(), nil },
			OpenClassifier: func() (Classifier, error) { return &fakeClassifier{}, nil },
			Decoder:        dec,
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := p.Start(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if opened {
			t.Error("detector opened despite cancelled context")
		}
	})
}

func TestPipeline_Restart(t *testing.T) {
	h := newHarness(t, DefaultFrameTimeout)
	opens := 0
	open := h.p.cfg.OpenDetector
	h.p.cfg.OpenDetector = func() (Landmarker, error) {
		opens++
		h.det = newFakeDetector()
		h.det.hands = []detector.HandLandmarks{detector.UniformLandmarks(0.5)}
		return open()
	}

	for i := 0; i < 2; i++ {
		if err := h.p.Start(context.Background()); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		h.p.Submit(newFrame())
		if o := h.sink.next(t); o.Kind != OutcomeSymbol {
			t.Errorf("run %d: kind = %s, want symbol", i, o.Kind)
		}
		if err := h.p.Stop(); err != nil {
			t.Fatalf("Stop %d: %v", i, err)
		}
	}
	if opens != 2 {
		t.Errorf("detector opened %d times, want 2", opens)
	}
}

func TestPipeline_SinkPanic(t *testing.T) {
	h := newHarness(t, DefaultFrameTimeout)
	calls := make(chan struct{}, 4)
	h.p.cfg.Sink = SinkFunc(func(Outcome) {
		calls <- struct{}{}
		panic("sink broke")
	})
	h.start(t)

	for i := 0; i < 2; i++ {
		frame := newFrame()
		if !h.p.Submit(frame) {
			t.Fatalf("frame %d not admitted", i)
		}
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("sink not called for frame %d", i)
		}
		waitIdle(t, h.p)
		if frame.Releases() != 1 {
			t.Errorf("frame %d released %d times, want 1", i, frame.Releases())
		}
	}
}

func TestOutcome_MarshalJSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sym, err := json.Marshal(Outcome{
		Kind:      OutcomeSymbol,
		Result:    symbol.Result{Symbol: "B", Confidence: 0.5, LatencyMs: 12, Timestamp: ts},
		FrameTime: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"kind":"symbol"`, `"symbol":"B"`, `"latency_ms":12`} {
		if !strings.Contains(string(sym), want) {
			t.Errorf("%s missing %s", sym, want)
		}
	}
	if strings.Contains(string(sym), `"error"`) {
		t.Errorf("symbol outcome should not carry an error: %s", sym)
	}

	fail, _ := json.Marshal(Outcome{Kind: OutcomeError, Err: &Error{Kind: ErrorClassify, Message: "boom"}})
	if !strings.Contains(string(fail), `"error":{"kind":"classify","message":"boom"}`) {
		t.Errorf("unexpected error encoding: %s", fail)
	}
	if strings.Contains(string(fail), `"result"`) {
		t.Errorf("error outcome should not carry a result: %s", fail)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want)
		}
	}
}

func TestStats_JSON(t *testing.T) {
	data, err := json.Marshal(Stats{State: StateRunning, Admitted: 3})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"state":"running"`) {
		t.Errorf("encoded stats = %s", data)
	}

	var back Stats
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.State != StateRunning || back.Admitted != 3 {
		t.Errorf("decoded stats = %+v", back)
	}

	if err := json.Unmarshal([]byte(`{"state":"flying"}`), &back); err == nil {
		t.Error("expected error for unknown state")
	}
}
