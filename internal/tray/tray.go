// Package tray provides a system tray interface for fingerspell.
package tray

import (
	"fmt"
	"log"
	"sync"

	"github.com/ayusman/fingerspell/internal/pipeline"
	"github.com/ayusman/fingerspell/internal/symbol"
	"github.com/getlantern/systray"
)

// Tray represents the system tray application. It is a pipeline.ResultSink
// that shows the last recognized symbol.
type Tray struct {
	onToggle   func(run bool) error
	onSettings func()
	onQuit     func()
	running    bool
	last       string
	mu         sync.RWMutex

	// Menu items stored for later updates
	menuToggle *systray.MenuItem
	menuLast   *systray.MenuItem
}

// New creates a new Tray. running is the initial recognition state.
func New(running bool) *Tray {
	return &Tray{running: running}
}

// OnToggle sets the function that starts (run true) or stops recognition.
// When it fails the displayed state is left unchanged.
func (t *Tray) OnToggle(fn func(run bool) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnSettings sets the callback function to be called when the settings menu item is clicked.
func (t *Tray) OnSettings(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSettings = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until Quit is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit removes the tray icon and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("Fingerspell")
	systray.SetTooltip("Fingerspelling recognition")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.running), "Start or stop recognition")
	systray.AddSeparator()

	t.menuLast = systray.AddMenuItem(lastTitle(t.last), "Last recognized symbol")
	t.menuLast.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuSettings := systray.AddMenuItem("Open Settings...", "Open settings in browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Fingerspell")

	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuSettings.ClickedCh:
				t.handleSettings()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

func toggleTitle(running bool) string {
	if running {
		return "● Recognizing"
	}
	return "○ Stopped"
}

func lastTitle(last string) string {
	if last == "" {
		return "Last: none"
	}
	return "Last: " + last
}

// handleToggle flips recognition through the OnToggle callback.
func (t *Tray) handleToggle() {
	t.mu.RLock()
	want := !t.running
	callback := t.onToggle
	t.mu.RUnlock()

	// Call the callback outside the lock; starting loads models.
	if callback != nil {
		if err := callback(want); err != nil {
			log.Printf("Failed to toggle recognition: %v", err)
			return
		}
	}
	t.SetRunning(want)
}

// handleSettings handles the settings menu item click.
func (t *Tray) handleSettings() {
	t.mu.RLock()
	callback := t.onSettings
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetRunning updates the displayed recognition state.
func (t *Tray) SetRunning(running bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = running
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(running))
	}
}

// Running returns the displayed recognition state.
func (t *Tray) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// HandleOutcome shows recognized symbols; other outcomes leave the display alone.
func (t *Tray) HandleOutcome(o pipeline.Outcome) {
	if o.Kind != pipeline.OutcomeSymbol {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = FormatResult(o.Result)
	if t.menuLast != nil {
		t.menuLast.SetTitle(lastTitle(t.last))
	}
}

// Last returns the text of the last recognized symbol, or "".
func (t *Tray) Last() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// FormatResult renders a result as "B (0.90)".
func FormatResult(r symbol.Result) string {
	name := r.Symbol
	if name == symbol.Space {
		name = "space"
	}
	return fmt.Sprintf("%s (%.2f)", name, r.Confidence)
}
