package pipeline

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ayusman/fingerspell/internal/detector"
	"github.com/ayusman/fingerspell/internal/symbol"
)

func (p *Pipeline) worker(det Landmarker, cls Classifier, admit <-chan admission, stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case a := <-admit:
			p.process(det, cls, a, stop)
		}
	}
}

// process handles one admitted frame. The frame is released and the
// in-flight marker cleared on every path, including a panic.
func (p *Pipeline) process(det Landmarker, cls Classifier, a admission, stop <-chan struct{}) {
	frameTime := a.frame.Timestamp

	defer func() {
		a.frame.Release()
		p.inflight.Store(false)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered panic while processing frame: %v", r)
			p.deliver(Outcome{
				Kind:      OutcomeError,
				Err:       &Error{Kind: ErrorInternal, Message: fmt.Sprint(r)},
				FrameTime: frameTime,
			})
		}
	}()

	outcome, ok := p.run(det, cls, a, stop)
	if !ok {
		return
	}
	p.deliver(outcome)
}

// run reports false when the pipeline is stopping and nothing should be delivered.
func (p *Pipeline) run(det Landmarker, cls Classifier, a admission, stop <-chan struct{}) (Outcome, bool) {
	frameTime := a.frame.Timestamp
	fail := func(kind ErrorKind, err error) (Outcome, bool) {
		return Outcome{
			Kind:      OutcomeError,
			Err:       &Error{Kind: kind, Message: err.Error(), Err: err},
			FrameTime: frameTime,
		}, true
	}

	seq, err := det.Submit(a.frame)
	if err != nil {
		return fail(ErrorDetect, fmt.Errorf("submit frame: %w", err))
	}

	res, err := p.await(det, seq, stop)
	if errors.Is(err, errStopping) {
		return Outcome{}, false
	}
	if err != nil {
		return fail(ErrorDetect, err)
	}
	if res.Err != nil {
		return fail(ErrorDetect, res.Err)
	}

	if len(res.Hands) == 0 {
		return Outcome{Kind: OutcomeNoHand, FrameTime: frameTime}, true
	}

	vec, err := p.cfg.Features.Build(&res.Hands[0])
	if err != nil {
		return fail(ErrorFeature, err)
	}

	scores, err := cls.Classify(vec)
	if err != nil {
		return fail(ErrorClassify, err)
	}

	pred, err := p.cfg.Decoder.Decode(scores)
	if err != nil {
		return fail(ErrorDecode, err)
	}

	done := p.cfg.Clock()
	latency := done.Sub(a.at)
	if latency < 0 {
		latency = 0
	}

	return Outcome{
		Kind: OutcomeSymbol,
		Result: symbol.Result{
			Symbol:     pred.Symbol,
			Confidence: pred.Confidence,
			LatencyMs:  latency.Milliseconds(),
			Timestamp:  done,
		},
		FrameTime: frameTime,
	}, true
}

// await waits for the detection result numbered seq. Results for earlier
// frames that timed out are skipped.
func (p *Pipeline) await(det Landmarker, seq uint64, stop <-chan struct{}) (detector.Result, error) {
	var timeout <-chan time.Time
	if p.cfg.FrameTimeout > 0 {
		timer := time.NewTimer(p.cfg.FrameTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	results := det.Results()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return detector.Result{}, detector.ErrClosed
			}
			if res.Seq != seq {
				continue
			}
			return res, nil
		case <-timeout:
			return detector.Result{}, fmt.Errorf("%w after %s", ErrFrameTimeout, p.cfg.FrameTimeout)
		case <-stop:
			return detector.Result{}, errStopping
		}
	}
}

func (p *Pipeline) deliver(o Outcome) {
	switch o.Kind {
	case OutcomeSymbol:
		p.symbols.Add(1)
	case OutcomeNoHand:
		p.noHand.Add(1)
	case OutcomeError:
		p.errs.Add(1)
	}
	p.cfg.Metrics.Outcome(o.Kind.String(), time.Duration(o.Result.LatencyMs)*time.Millisecond)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Result sink panicked: %v", r)
		}
	}()
	p.cfg.Sink.HandleOutcome(o)
}
