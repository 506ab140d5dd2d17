// Package player is a headless media engine: it keeps a queue, advances the
// playback position with wall-clock time, reports when items are prepared,
// and notifies listeners of every change.
package player

import (
	"errors"
	"sync"
	"time"

	"ensemble/pkg/models"
)

// ErrVetoed is returned by user controls blocked by the transport gate.
var ErrVetoed = errors.New("transport control is disabled")

// ErrEmptyQueue is returned when a control needs a current item.
var ErrEmptyQueue = errors.New("queue is empty")

// DefaultPrepareDelay is how long a newly loaded item takes to become ready.
const DefaultPrepareDelay = 150 * time.Millisecond

// EventKind classifies engine notifications.
type EventKind int

const (
	PlayingChanged EventKind = iota
	MediaItemChanged
	PositionDiscontinuity
	QueueChanged
	ItemReady
)

// Event is one engine notification.
type Event struct {
	Kind       EventKind
	IsPlaying  bool
	Item       *models.MediaItem
	PositionMs int64
	TrackID    string
}

// State is a snapshot of the engine.
type State struct {
	Item       *models.MediaItem `json:"item"`
	Index      int               `json:"index"`
	QueueSize  int               `json:"queueSize"`
	IsPlaying  bool              `json:"isPlaying"`
	IsReady    bool              `json:"isReady"`
	PositionMs int64             `json:"position"`
	DurationMs int64             `json:"duration"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Player is the virtual engine. All methods are safe for concurrent use.
type Player struct {
	prepareDelay time.Duration
	now          func() time.Time

	mutex     sync.RWMutex
	queue     []models.MediaItem
	index     int
	playing   bool
	basePos   int64
	baseAt    time.Time
	ready     map[string]bool
	gen       uint64
	endTimer  *time.Timer
	gate      func() bool
	closed    bool
	updatedAt time.Time
	listeners []chan Event
}

// NewPlayer creates an idle player. A zero prepareDelay uses
// DefaultPrepareDelay.
func NewPlayer(prepareDelay time.Duration) *Player {
	if prepareDelay <= 0 {
		prepareDelay = DefaultPrepareDelay
	}
	return &Player{
		prepareDelay: prepareDelay,
		now:          time.Now,
		ready:        make(map[string]bool),
		updatedAt:    time.Now(),
	}
}

// SetTransportGate installs a predicate consulted by user controls; when it
// returns false the control is refused. Programmatic calls ignore it.
func (p *Player) SetTransportGate(gate func() bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.gate = gate
}

// GetState returns a snapshot.
func (p *Player) GetState() State {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	s := State{
		Index:      p.index,
		QueueSize:  len(p.queue),
		IsPlaying:  p.playing,
		PositionMs: p.positionLocked(),
		UpdatedAt:  p.updatedAt,
	}
	if item := p.currentLocked(); item != nil {
		itemCopy := *item
		s.Item = &itemCopy
		s.DurationMs = item.DurationMs
		s.IsReady = p.ready[item.ID]
	}
	return s
}

func (p *Player) Position() int64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.positionLocked()
}

func (p *Player) Duration() int64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if item := p.currentLocked(); item != nil {
		return item.DurationMs
	}
	return 0
}

func (p *Player) IsPlaying() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.playing
}

// IsReady reports whether the current item is prepared.
func (p *Player) IsReady() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	item := p.currentLocked()
	return item != nil && p.ready[item.ID]
}

// IsTrackReady reports whether the current item is trackID and prepared.
func (p *Player) IsTrackReady(trackID string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	item := p.currentLocked()
	return item != nil && item.ID == trackID && p.ready[trackID]
}

func (p *Player) CurrentItem() *models.MediaItem {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	item := p.currentLocked()
	if item == nil {
		return nil
	}
	itemCopy := *item
	return &itemCopy
}

func (p *Player) CurrentIndex() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.index
}

func (p *Player) Queue() []models.MediaItem {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return append([]models.MediaItem{}, p.queue...)
}

// Play starts playback of the current item.
func (p *Player) Play() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.setPlayingLocked(true)
}

// Pause freezes the position.
func (p *Player) Pause() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.setPlayingLocked(false)
}

// SeekTo moves the position within the current item.
func (p *Player) SeekTo(positionMs int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.currentLocked() == nil {
		return
	}
	p.seekLocked(positionMs)
}

// SetMediaItems replaces the queue and positions it at index/positionMs.
// Items already prepared stay ready.
func (p *Player) SetMediaItems(items []models.MediaItem, index int, positionMs int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	prev := p.currentLocked()
	prevID := ""
	if prev != nil {
		prevID = prev.ID
	}

	p.queue = append([]models.MediaItem{}, items...)
	if index < 0 || index >= len(p.queue) {
		index = 0
	}
	p.index = index
	if len(p.queue) == 0 {
		p.playing = false
	}
	p.basePos = p.clampLocked(positionMs)
	p.baseAt = p.now()
	p.touchLocked()
	p.notifyListeners(Event{Kind: QueueChanged})

	cur := p.currentLocked()
	if cur != nil && cur.ID != prevID {
		p.itemChangedLocked()
	} else {
		p.scheduleEndLocked()
	}
}

// AddMediaItems appends to the queue.
func (p *Player) AddMediaItems(items ...models.MediaItem) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	wasEmpty := len(p.queue) == 0
	p.queue = append(p.queue, items...)
	p.touchLocked()
	p.notifyListeners(Event{Kind: QueueChanged})
	if wasEmpty && len(p.queue) > 0 {
		p.index = 0
		p.basePos = 0
		p.baseAt = p.now()
		p.itemChangedLocked()
	}
}

// RemoveMediaItem removes the item at index. Removing the current item
// moves to the one that follows it.
func (p *Player) RemoveMediaItem(index int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if index < 0 || index >= len(p.queue) {
		return
	}
	p.queue = append(p.queue[:index], p.queue[index+1:]...)
	p.touchLocked()
	p.notifyListeners(Event{Kind: QueueChanged})

	switch {
	case index < p.index:
		p.index--
	case index == p.index:
		if p.index >= len(p.queue) {
			p.index = 0
			p.playing = false
		}
		p.basePos = 0
		p.baseAt = p.now()
		p.itemChangedLocked()
	}
}

// User controls. These honor the transport gate.

// TogglePlayPause flips the transport state on behalf of the user.
func (p *Player) TogglePlayPause() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.checkGateLocked(); err != nil {
		return err
	}
	if p.currentLocked() == nil {
		return ErrEmptyQueue
	}
	p.setPlayingLocked(!p.playing)
	return nil
}

// UserSeek seeks on behalf of the user.
func (p *Player) UserSeek(positionMs int64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.checkGateLocked(); err != nil {
		return err
	}
	if p.currentLocked() == nil {
		return ErrEmptyQueue
	}
	p.seekLocked(positionMs)
	return nil
}

// SkipTo jumps to the queue item at index on behalf of the user.
func (p *Player) SkipTo(index int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.checkGateLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(p.queue) {
		return ErrEmptyQueue
	}
	p.index = index
	p.basePos = 0
	p.baseAt = p.now()
	p.itemChangedLocked()
	return nil
}

// Subscribe adds a listener for engine events.
func (p *Player) Subscribe() <-chan Event {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ch := make(chan Event, 64)
	p.listeners = append(p.listeners, ch)
	return ch
}

// Unsubscribe removes a listener.
func (p *Player) Unsubscribe(ch <-chan Event) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i, listener := range p.listeners {
		if listener == ch {
			close(listener)
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			break
		}
	}
}

// Close stops timers and releases listeners.
func (p *Player) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closed = true
	p.gen++
	if p.endTimer != nil {
		p.endTimer.Stop()
	}
	for _, listener := range p.listeners {
		close(listener)
	}
	p.listeners = nil
}

func (p *Player) checkGateLocked() error {
	if p.gate != nil && !p.gate() {
		return ErrVetoed
	}
	return nil
}

func (p *Player) currentLocked() *models.MediaItem {
	if p.index < 0 || p.index >= len(p.queue) {
		return nil
	}
	return &p.queue[p.index]
}

func (p *Player) positionLocked() int64 {
	pos := p.basePos
	if p.playing {
		pos += p.now().Sub(p.baseAt).Milliseconds()
	}
	return p.clampLocked(pos)
}

func (p *Player) clampLocked(pos int64) int64 {
	if pos < 0 {
		return 0
	}
	if item := p.currentLocked(); item != nil && item.DurationMs > 0 && pos > item.DurationMs {
		return item.DurationMs
	}
	return pos
}

func (p *Player) touchLocked() {
	p.updatedAt = p.now()
}

func (p *Player) setPlayingLocked(playing bool) {
	if p.playing == playing || (playing && p.currentLocked() == nil) {
		return
	}
	p.basePos = p.positionLocked()
	p.baseAt = p.now()
	p.playing = playing
	p.touchLocked()
	p.notifyListeners(Event{Kind: PlayingChanged, IsPlaying: playing, PositionMs: p.basePos})
	p.scheduleEndLocked()
}

func (p *Player) seekLocked(positionMs int64) {
	p.basePos = p.clampLocked(positionMs)
	p.baseAt = p.now()
	p.touchLocked()
	p.notifyListeners(Event{Kind: PositionDiscontinuity, PositionMs: p.basePos})
	p.scheduleEndLocked()
}

// itemChangedLocked announces the new current item and prepares it.
func (p *Player) itemChangedLocked() {
	item := p.currentLocked()
	var itemCopy *models.MediaItem
	if item != nil {
		c := *item
		itemCopy = &c
	}
	p.touchLocked()
	p.notifyListeners(Event{Kind: MediaItemChanged, Item: itemCopy, IsPlaying: p.playing})
	p.scheduleEndLocked()

	if item == nil || p.ready[item.ID] {
		return
	}
	id := item.ID
	time.AfterFunc(p.prepareDelay, func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		if p.closed {
			return
		}
		p.ready[id] = true
		if cur := p.currentLocked(); cur != nil && cur.ID == id {
			p.notifyListeners(Event{Kind: ItemReady, TrackID: id})
		}
	})
}

// scheduleEndLocked arms the timer that advances past the end of the
// current item.
func (p *Player) scheduleEndLocked() {
	p.gen++
	if p.endTimer != nil {
		p.endTimer.Stop()
		p.endTimer = nil
	}
	item := p.currentLocked()
	if !p.playing || item == nil || item.DurationMs <= 0 {
		return
	}
	remaining := time.Duration(item.DurationMs-p.positionLocked()) * time.Millisecond
	gen := p.gen
	p.endTimer = time.AfterFunc(remaining, func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		if gen != p.gen {
			return
		}
		p.advanceLocked()
	})
}

func (p *Player) advanceLocked() {
	if p.index+1 < len(p.queue) {
		p.index++
		p.basePos = 0
		p.baseAt = p.now()
		p.itemChangedLocked()
		return
	}
	p.basePos = p.clampLocked(p.basePos + p.now().Sub(p.baseAt).Milliseconds())
	p.baseAt = p.now()
	p.playing = false
	p.touchLocked()
	p.notifyListeners(Event{Kind: PlayingChanged, IsPlaying: false, PositionMs: p.basePos})
}

// notifyListeners sends to all subscribers (must be called with lock held).
// A full listener misses the event.
func (p *Player) notifyListeners(evt Event) {
	for _, listener := range p.listeners {
		select {
		case listener <- evt:
		default:
		}
	}
}
