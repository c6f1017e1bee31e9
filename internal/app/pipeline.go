package app

import (
	"log"
	"time"
)

// runCapture reads frames at the configured rate and offers them to the
// recognition pipeline.
//
// With the motion gate enabled the loop idles at IdleFPS, switches to the
// configured rate on motion, and falls back once the gate closes. Frames
// from a still scene are released without reaching the pipeline.
func (a *App) runCapture(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	activeFPS := a.config.FPS
	fps := activeFPS
	if a.gate != nil {
		fps = IdleFPS
	}

	failing := false

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	setRate := func(n int) {
		if n == fps {
			return
		}
		fps = n
		a.camera.SetFPS(n)
		ticker.Reset(time.Second / time.Duration(n))
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		frame, err := a.camera.ReadFrame()
		if err != nil {
			a.readErrs.Add(1)
			// Log once per run of consecutive failures.
			if !failing {
				log.Printf("Error reading frame: %v", err)
				failing = true
			}
			continue
		}
		failing = false
		a.frames.Add(1)

		if a.gate != nil {
			if !a.gate.Admit(frame) {
				frame.Release()
				a.gated.Add(1)
				if fps != IdleFPS {
					setRate(IdleFPS)
					log.Println("Switched to idle mode")
				}
				continue
			}
			if fps != activeFPS {
				setRate(activeFPS)
				log.Println("Switched to active mode")
			}
		}

		a.pipe.Submit(frame)
	}
}
