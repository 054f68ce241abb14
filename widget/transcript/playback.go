package transcript

import (
	"sync"
	"time"
)

// Playback accumulates how long a video entry has actually been played so
// the widget can report it as watched only when the whole clip was seen.
type Playback struct {
	TrackingID string

	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	playing bool
	elapsed time.Duration
}

func NewPlayback(trackingID string) *Playback {
	return &Playback{TrackingID: trackingID, now: time.Now}
}

// WithClock replaces the time source.
func (p *Playback) WithClock(now func() time.Time) *Playback {
	p.now = now
	return p
}

// Start marks the beginning of playback.
func (p *Playback) Start() { p.resume() }

// Resume marks playback continuing after a pause or seek.
func (p *Playback) Resume() { p.resume() }

func (p *Playback) resume() {
	p.mu.Lock()
	p.started = p.now()
	p.playing = true
	p.mu.Unlock()
}

// Pause adds the running segment to the elapsed total.
func (p *Playback) Pause() {
	p.mu.Lock()
	p.stop()
	p.mu.Unlock()
}

func (p *Playback) stop() {
	if !p.playing {
		return
	}
	p.elapsed += p.now().Sub(p.started)
	p.playing = false
}

// End closes the running segment and reports whether the accumulated play
// time covers duration.
func (p *Playback) End(duration time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	return p.elapsed >= duration
}

func (p *Playback) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsed
}
