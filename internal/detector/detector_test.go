package detector

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ayusman/fingerspell/internal/capture"
	"gocv.io/x/gocv"
)

const epsilon = 1e-9

func fullHand() HandLandmarks {
	hand := HandLandmarks{Points: make([]Point3D, NumLandmarks), Handedness: "Right", Score: 0.9}
	for i := range hand.Points {
		hand.Points[i] = Point3D{
			X: 100.0 + float64(i)*10.0,
			Y: 200.0 + float64(i)*5.0,
			Z: 50.0 + float64(i)*2.0,
		}
	}
	return hand
}

func TestHandLandmarks_Normalize(t *testing.T) {
	t.Run("wrist at origin after normalization", func(t *testing.T) {
		hand := fullHand()
		normalized := hand.Normalize()

		w := normalized.Points[Wrist]
		if math.Abs(w.X) > epsilon || math.Abs(w.Y) > epsilon || math.Abs(w.Z) > epsilon {
			t.Errorf("wrist = %+v, want origin", w)
		}
		if normalized.Handedness != hand.Handedness {
			t.Errorf("handedness = %s, want %s", normalized.Handedness, hand.Handedness)
		}
		if normalized.Score != hand.Score {
			t.Errorf("score = %f, want %f", normalized.Score, hand.Score)
		}
	})

	t.Run("distance from wrist to middle MCP is 1.0", func(t *testing.T) {
		hand := fullHand()
		hand.Points[Wrist] = Point3D{X: 10.0, Y: 20.0, Z: 5.0}
		hand.Points[MiddleMCP] = Point3D{X: 13.0, Y: 24.0, Z: 5.0} // distance = 5.0

		m := hand.Normalize().Points[MiddleMCP]
		distance := math.Sqrt(m.X*m.X + m.Y*m.Y + m.Z*m.Z)
		if math.Abs(distance-1.0) > epsilon {
			t.Errorf("wrist to middle MCP = %f, want 1.0", distance)
		}
	})

	t.Run("does not modify the receiver", func(t *testing.T) {
		hand := fullHand()
		before := hand.Points[IndexTip]
		hand.Normalize()
		if hand.Points[IndexTip] != before {
			t.Error("Normalize mutated the input points")
		}
	})

	t.Run("nil hand returns nil", func(t *testing.T) {
		var hand *HandLandmarks
		if hand.Normalize() != nil {
			t.Error("expected nil result for nil input")
		}
	})

	t.Run("empty hand stays empty", func(t *testing.T) {
		hand := HandLandmarks{}
		if got := hand.Normalize(); len(got.Points) != 0 {
			t.Errorf("len = %d, want 0", len(got.Points))
		}
	})

	t.Run("short hand is translated only", func(t *testing.T) {
		hand := HandLandmarks{Points: []Point3D{{X: 1, Y: 1}, {X: 3, Y: 1}}}
		got := hand.Normalize()
		if got.Points[1].X != 2 {
			t.Errorf("X = %f, want 2", got.Points[1].X)
		}
	})

	t.Run("zero scale returns translated only", func(t *testing.T) {
		hand := UniformLandmarks(0.5)
		normalized := hand.Normalize()
		for i, p := range normalized.Points {
			if p != (Point3D{}) {
				t.Fatalf("point %d = %+v, want origin", i, p)
			}
		}
	})
}

func TestHandLandmarks_Complete(t *testing.T) {
	tests := []struct {
		name string
		hand *HandLandmarks
		want bool
	}{
		{name: "nil", hand: nil, want: false},
		{name: "full", hand: &HandLandmarks{Points: make([]Point3D, NumLandmarks)}, want: true},
		{name: "partial", hand: &HandLandmarks{Points: make([]Point3D, 20)}, want: false},
		{name: "too many", hand: &HandLandmarks{Points: make([]Point3D, 22)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.hand.Complete(); got != tt.want {
				t.Errorf("Complete() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMode_String(t *testing.T) {
	if ModeSingleShot.String() != "single-shot" {
		t.Errorf("got %q", ModeSingleShot.String())
	}
	if ModeStreaming.String() != "streaming" {
		t.Errorf("got %q", ModeStreaming.String())
	}
	if Mode(9).String() != "unknown" {
		t.Errorf("got %q", Mode(9).String())
	}
}

func TestMockBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	img := gocv.NewMatWithSize(4, 8, gocv.MatTypeCV8UC3)
	defer img.Close()

	t.Run("returns empty hands by default", func(t *testing.T) {
		mock := NewMockBackend()
		hands, err := mock.Detect(img)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if hands != nil {
			t.Errorf("expected nil hands, got %v", hands)
		}
		if w, h := mock.LastSize(); w != 8 || h != 4 {
			t.Errorf("LastSize = %dx%d, want 8x4", w, h)
		}
	})

	t.Run("returns configured hands", func(t *testing.T) {
		mock := NewMockBackend()
		mock.SetHands([]HandLandmarks{ThumbsUpLandmarks(), OpenPalmLandmarks()})

		hands, err := mock.Detect(img)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if len(hands) != 2 {
			t.Errorf("expected 2 hands, got %d", len(hands))
		}
	})

	t.Run("returns configured error", func(t *testing.T) {
		mock := NewMockBackend()
		expectedErr := errors.New("detection failed")
		mock.SetError(expectedErr)

		hands, err := mock.Detect(img)
		if err != expectedErr {
			t.Errorf("expected error %v, got %v", expectedErr, err)
		}
		if hands != nil {
			t.Errorf("expected nil hands when error is set, got %v", hands)
		}
	})

	t.Run("implements Backend interface", func(t *testing.T) {
		var _ Backend = (*MockBackend)(nil)
	})
}

func TestFixtures(t *testing.T) {
	for _, hand := range []HandLandmarks{ThumbsUpLandmarks(), OpenPalmLandmarks(), UniformLandmarks(0.5)} {
		if !hand.Complete() {
			t.Errorf("fixture has %d points, want %d", len(hand.Points), NumLandmarks)
		}
	}

	palm := OpenPalmLandmarks()
	if palm.Points[MiddleMCP].Y-palm.Points[MiddleTip].Y < 0.2 {
		t.Error("open palm middle finger should be extended")
	}
	thumbs := ThumbsUpLandmarks()
	if thumbs.Points[ThumbTip].Y >= thumbs.Points[ThumbMCP].Y {
		t.Error("thumb tip should be above thumb MCP")
	}
}

func newFrame(w, h, rotation int, mirrored bool) *capture.Frame {
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	return capture.NewFrame(mat, rotation, mirrored, time.Now())
}

func TestOrient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	tests := []struct {
		rotation     int
		wantW, wantH int
		wantErr      bool
	}{
		{rotation: 0, wantW: 640, wantH: 480},
		{rotation: 90, wantW: 480, wantH: 640},
		{rotation: 180, wantW: 640, wantH: 480},
		{rotation: 270, wantW: 480, wantH: 640},
		{rotation: -90, wantW: 480, wantH: 640},
		{rotation: 45, wantErr: true},
	}

	src := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer src.Close()

	for _, tt := range tests {
		out, err := Orient(src, tt.rotation, true)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedRotation) {
				t.Errorf("rotation %d: err = %v, want ErrUnsupportedRotation", tt.rotation, err)
			}
			out.Close()
			continue
		}
		if err != nil {
			t.Fatalf("rotation %d: %v", tt.rotation, err)
		}
		if out.Cols() != tt.wantW || out.Rows() != tt.wantH {
			t.Errorf("rotation %d: %dx%d, want %dx%d", tt.rotation, out.Cols(), out.Rows(), tt.wantW, tt.wantH)
		}
		out.Close()
	}
}

func TestOrient_Mirror(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	src := gocv.NewMatWithSize(1, 2, gocv.MatTypeCV8U)
	defer src.Close()
	src.SetUCharAt(0, 0, 10)
	src.SetUCharAt(0, 1, 20)

	out, err := Orient(src, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	if out.GetUCharAt(0, 0) != 20 || out.GetUCharAt(0, 1) != 10 {
		t.Errorf("mirrored row = [%d %d], want [20 10]", out.GetUCharAt(0, 0), out.GetUCharAt(0, 1))
	}
}

func TestLandmarkDetector_WrongMode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	frame := newFrame(64, 48, 0, false)
	defer frame.Release()

	single := New(ModeSingleShot, NewMockBackend(), 0)
	defer single.Close()
	if _, err := single.Submit(frame); !errors.Is(err, ErrWrongMode) {
		t.Errorf("Submit on single-shot: err = %v, want ErrWrongMode", err)
	}
	if single.Results() != nil {
		t.Error("single-shot detector should have no results channel")
	}

	streaming := New(ModeStreaming, NewMockBackend(), 1)
	defer streaming.Close()
	if _, err := streaming.Detect(frame); !errors.Is(err, ErrWrongMode) {
		t.Errorf("Detect on streaming: err = %v, want ErrWrongMode", err)
	}
}

func TestLandmarkDetector_SingleShot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	backend := NewMockBackend()
	backend.SetHands([]HandLandmarks{OpenPalmLandmarks()})
	d := New(ModeSingleShot, backend, 0)

	frame := newFrame(640, 480, 90, true)
	defer frame.Release()

	hands, err := d.Detect(frame)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(hands) != 1 {
		t.Fatalf("hands = %d, want 1", len(hands))
	}
	if w, h := backend.LastSize(); w != 480 || h != 640 {
		t.Errorf("backend saw %dx%d, want upright 480x640", w, h)
	}
	if frame.Mat.Cols() != 640 {
		t.Error("Detect should not modify the caller's frame")
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if backend.Closes() != 1 {
		t.Errorf("backend closed %d times, want 1", backend.Closes())
	}
	if _, err := d.Detect(frame); !errors.Is(err, ErrClosed) {
		t.Errorf("Detect after Close: err = %v, want ErrClosed", err)
	}
}

func TestLandmarkDetector_StreamingOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	backend := NewMockBackend()
	backend.SetHands([]HandLandmarks{ThumbsUpLandmarks()})
	d := New(ModeStreaming, backend, 4)
	defer d.Close()

	var seqs []uint64
	for i := 0; i < 3; i++ {
		frame := newFrame(64, 48, 0, false)
		seq, err := d.Submit(frame)
		frame.Release()
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		seqs = append(seqs, seq)
	}

	for i, want := range seqs {
		select {
		case res := <-d.Results():
			if res.Seq != want {
				t.Errorf("result %d seq = %d, want %d", i, res.Seq, want)
			}
			if res.Err != nil {
				t.Errorf("result %d err = %v", i, res.Err)
			}
			if len(res.Hands) != 1 {
				t.Errorf("result %d hands = %d, want 1", i, len(res.Hands))
			}
			if res.Width != 64 || res.Height != 48 {
				t.Errorf("result %d size = %dx%d, want 64x48", i, res.Width, res.Height)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
}

func TestLandmarkDetector_StreamingError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	backend := NewMockBackend()
	backend.SetError(errors.New("model crashed"))
	d := New(ModeStreaming, backend, 1)
	defer d.Close()

	frame := newFrame(64, 48, 0, false)
	defer frame.Release()
	if _, err := d.Submit(frame); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case res := <-d.Results():
		if res.Err == nil {
			t.Error("expected result error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestLandmarkDetector_QueueFull(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	backend := NewMockBackend()
	release := backend.Hold()
	d := New(ModeStreaming, backend, 1)

	frame := newFrame(64, 48, 0, false)
	defer frame.Release()

	// The first job is taken by the loop and blocks; the second fills the queue.
	if _, err := d.Submit(frame); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for backend.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := d.Submit(frame); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if _, err := d.Submit(frame); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit 3: err = %v, want ErrQueueFull", err)
	}

	release()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.Submit(frame); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close: err = %v, want ErrClosed", err)
	}
	if _, ok := <-d.Results(); ok {
		// Draining is allowed; the channel must end closed.
		for range d.Results() {
		}
	}
}

func TestOpen_MissingModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelPath = t.TempDir() + "/missing.task"

	_, err := Open(ModeStreaming, cfg)
	if !errors.Is(err, ErrModelLoad) {
		t.Errorf("err = %v, want ErrModelLoad", err)
	}
}
