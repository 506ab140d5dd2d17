package syncer

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEchoHold is how long the guard stays held after remote state is
// applied, covering the engine's own asynchronous change callbacks.
const DefaultEchoHold = 200 * time.Millisecond

// Guard marks "applying remote state". Outbound broadcasts are skipped while
// it is held. Each Hold extends the window.
type Guard struct {
	hold time.Duration

	held atomic.Bool
	gen  atomic.Uint64

	mu    sync.Mutex
	timer *time.Timer
}

// NewGuard creates a released guard.
func NewGuard(hold time.Duration) *Guard {
	if hold <= 0 {
		hold = DefaultEchoHold
	}
	return &Guard{hold: hold}
}

// Hold sets the guard and schedules its release.
func (g *Guard) Hold() {
	gen := g.gen.Add(1)
	g.held.Store(true)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.hold, func() {
		if g.gen.Load() == gen {
			g.held.Store(false)
		}
	})
}

// Held reports whether remote state is being applied.
func (g *Guard) Held() bool {
	return g.held.Load()
}

// Release clears the guard immediately.
func (g *Guard) Release() {
	g.gen.Add(1)
	g.held.Store(false)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
