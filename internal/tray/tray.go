// Package tray provides a system tray interface showing the pipeline latency
// and the latest prediction, with a toggle for frame delivery.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/framelens/internal/latency"
	"github.com/ayusman/framelens/internal/overlay"
)

const appTitle = "framelens"

// Tray represents the system tray application. It is an overlay.Renderer and
// an overlay.LatencyObserver.
type Tray struct {
	onToggle   func(enabled bool)
	onSettings func()
	onQuit     func()
	enabled    bool
	title      string
	last       string
	mu         sync.RWMutex

	// Menu items stored for later updates
	menuToggle    *systray.MenuItem
	menuLastLabel *systray.MenuItem
}

// New creates a new Tray instance with enabled state set to true by default.
func New() *Tray {
	return &Tray{
		enabled: true,
		title:   appTitle,
		last:    "Last: none",
	}
}

// OnToggle sets the callback function to be called when the enabled state is toggled.
func (t *Tray) OnToggle(fn func(enabled bool)) {
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
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit closes the tray and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	t.mu.Lock()
	systray.SetTitle(t.title)
	systray.SetTooltip("framelens inference overlay")

	t.menuToggle = systray.AddMenuItem(toggleTitle(t.enabled), "Toggle frame delivery")
	systray.AddSeparator()

	t.menuLastLabel = systray.AddMenuItem(t.last, "Latest prediction")
	t.menuLastLabel.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuSettings := systray.AddMenuItem("Open Overlay...", "Open the overlay page in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit framelens")

	// Handle menu item clicks in a separate goroutine
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

func toggleTitle(enabled bool) string {
	if enabled {
		return "● Enabled"
	}
	return "○ Disabled"
}

// handleToggle handles the toggle menu item click.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled

	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(enabled))
	}

	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
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

// OnLatencyUpdated shows the latest latency as the tray title.
func (t *Tray) OnLatencyUpdated(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.title = latency.Format(ms)
	if t.menuToggle != nil {
		systray.SetTitle(t.title)
	}
}

// OnOverlayUpdated shows the primary prediction of st.
func (t *Tray) OnOverlayUpdated(st overlay.State) {
	text := "Last: none"
	if len(st.Shapes) > 0 {
		sh := st.Shapes[0]
		text = fmt.Sprintf("Last: %s %.2f", sh.Label, sh.Confidence)
		if n := len(st.Shapes); n > 1 {
			text += fmt.Sprintf(" (+%d)", n-1)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = text
	if t.menuLastLabel != nil {
		t.menuLastLabel.SetTitle(text)
	}
}

// Title returns the current tray title.
func (t *Tray) Title() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.title
}

// LastLabel returns the text of the latest prediction item.
func (t *Tray) LastLabel() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// IsEnabled returns the current enabled state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}
