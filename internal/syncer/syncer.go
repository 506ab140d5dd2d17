// Package syncer keeps the local media engine consistent with the room's
// shared playback state. As host it broadcasts local transport and queue
// changes; as guest it applies the host's actions, buffering track changes
// behind a barrier until the engine is ready.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ensemble/internal/player"
	"ensemble/internal/protocol"
	"ensemble/internal/room"
	"ensemble/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrResolve wraps track resolution failures.
var ErrResolve = errors.New("resolve track")

// Engine is the media engine the synchronizer drives.
type Engine interface {
	Position() int64
	IsPlaying() bool
	IsReady() bool
	IsTrackReady(trackID string) bool
	CurrentItem() *models.MediaItem
	Queue() []models.MediaItem
	Play()
	Pause()
	SeekTo(positionMs int64)
	SetMediaItems(items []models.MediaItem, index int, positionMs int64)
	AddMediaItems(items ...models.MediaItem)
	SetTransportGate(gate func() bool)
}

// Room is the room state machine as seen by the synchronizer.
type Room interface {
	Role() room.Role
	State() protocol.RoomState
	QueueTitle() *string
	Broadcast(msg protocol.Message) error
	Send(msg protocol.Message) error
}

// Resolver turns wire track metadata into a playable item.
type Resolver interface {
	Resolve(ctx context.Context, track protocol.TrackInfo) (models.MediaItem, error)
}

// Config holds the synchronizer timings.
type Config struct {
	PositionTolerance     time.Duration
	EchoHold              time.Duration
	HeartbeatInterval     time.Duration
	QueueDebounce         time.Duration
	ReadyPollInterval     time.Duration
	ReadyPollAttempts     int
	BufferCompleteTimeout time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		PositionTolerance:     100 * time.Millisecond,
		EchoHold:              DefaultEchoHold,
		HeartbeatInterval:     15 * time.Second,
		QueueDebounce:         500 * time.Millisecond,
		ReadyPollInterval:     100 * time.Millisecond,
		ReadyPollAttempts:     50,
		BufferCompleteTimeout: 10 * time.Second,
	}
}

// Status is a read-only snapshot for observers.
type Status struct {
	BufferingTrackID string `json:"bufferingTrackId"`
	ApplyingRemote   bool   `json:"applyingRemote"`
	LoadPending      bool   `json:"loadPending"`
	QueuePending     bool   `json:"queuePending"`
}

// target is the transport state to reach once loading finishes.
type target struct {
	playing    bool
	positionMs int64
	at         time.Time
}

// positionAt advances the target position by elapsed time while playing.
func (t target) positionAt(now time.Time) int64 {
	if !t.playing || t.at.IsZero() {
		return t.positionMs
	}
	elapsed := now.Sub(t.at).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return t.positionMs + elapsed
}

// barrier is an in-flight single-track change on a guest.
type barrier struct {
	seq           uint64
	trackID       string
	track         protocol.TrackInfo
	pending       target
	cancel        context.CancelFunc
	loaded        bool
	readySent     bool
	readyReceived bool
}

// load is an in-flight full-queue load (bundled CHANGE_TRACK or state sync).
type load struct {
	seq     uint64
	current *protocol.TrackInfo
	pending target
	cancel  context.CancelFunc
}

type resultKind int

const (
	barrierResolved resultKind = iota
	barrierReady
	loadResolved
	queueResolved
	suggestionResolved
)

type result struct {
	kind  resultKind
	seq   uint64
	items []models.MediaItem
	ready bool
	err   error
}

// Synchronizer owns all sync state. Everything except Status and the guard
// is touched only by the Run goroutine.
type Synchronizer struct {
	cfg          Config
	engine       Engine
	room         Room
	resolver     Resolver
	roomEvents   <-chan room.Event
	engineEvents <-chan player.Event
	guard        *Guard
	logger       *logrus.Logger
	now          func() time.Time

	results chan result

	role                 room.Role
	lastPlaying          bool
	lastTrackID          string
	lastQueueIDs         []string
	seq                  uint64
	barrier              *barrier
	load                 *load
	queueSeq             uint64
	queueCancel          context.CancelFunc
	deferredQueue        []models.MediaItem
	debounce             *time.Timer
	bufferTimer          *time.Timer
	heartbeatTicker      *time.Ticker
	suggestionCancellers map[uint64]context.CancelFunc

	statusMu sync.RWMutex
	status   Status
}

// New creates a synchronizer and installs the guest transport veto on the
// engine. Start it with Run.
func New(cfg Config, engine Engine, rm Room, resolver Resolver, roomEvents <-chan room.Event, engineEvents <-chan player.Event, logger *logrus.Logger) *Synchronizer {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	s := &Synchronizer{
		cfg:                  cfg,
		engine:               engine,
		room:                 rm,
		resolver:             resolver,
		roomEvents:           roomEvents,
		engineEvents:         engineEvents,
		guard:                NewGuard(cfg.EchoHold),
		logger:               logger,
		now:                  time.Now,
		results:              make(chan result, 16),
		suggestionCancellers: make(map[uint64]context.CancelFunc),
	}
	engine.SetTransportGate(func() bool { return rm.Role() != room.RoleGuest })
	return s
}

// Guard exposes the anti-echo guard.
func (s *Synchronizer) Guard() *Guard { return s.guard }

// Status returns a snapshot.
func (s *Synchronizer) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	st.ApplyingRemote = s.guard.Held()
	return st
}

func (s *Synchronizer) publishStatus() {
	st := Status{LoadPending: s.load != nil, QueuePending: s.queueCancel != nil || s.deferredQueue != nil}
	if s.barrier != nil {
		st.BufferingTrackID = s.barrier.trackID
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

// Run processes room events, engine events and timers until ctx is done or
// the room event stream closes.
func (s *Synchronizer) Run(ctx context.Context) {
	s.role = s.room.Role()
	if s.role == room.RoleHost {
		s.adoptEngineBaseline()
	}

	var heartbeat <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		s.heartbeatTicker = time.NewTicker(s.cfg.HeartbeatInterval)
		heartbeat = s.heartbeatTicker.C
	}
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.roomEvents:
			if !ok {
				return
			}
			s.handleRoomEvent(ctx, evt)
		case evt, ok := <-s.engineEvents:
			if !ok {
				s.engineEvents = nil
				continue
			}
			s.handleEngineEvent(evt)
		case <-heartbeat:
			s.sendHeartbeat()
		case <-timerC(s.debounce):
			s.debounce = nil
			s.flushQueue()
		case <-timerC(s.bufferTimer):
			s.bufferTimer = nil
			if s.barrier != nil && s.barrier.readySent {
				s.logger.WithField("track_id", s.barrier.trackID).Warn("No buffer completion from server, resuming anyway")
				s.applyBarrier()
			}
		case res := <-s.results:
			s.handleResult(ctx, res)
		}
		s.publishStatus()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Synchronizer) shutdown() {
	if s.heartbeatTicker != nil {
		s.heartbeatTicker.Stop()
	}
	s.cancelBarrier()
	s.cancelLoad()
	s.cancelQueue()
	s.deferredQueue = nil
	s.stopDebounce()
	for id, cancel := range s.suggestionCancellers {
		cancel()
		delete(s.suggestionCancellers, id)
	}
	s.guard.Release()
}

// Outbound, host only.

func (s *Synchronizer) canBroadcast() bool {
	return s.role == room.RoleHost && !s.guard.Held()
}

func (s *Synchronizer) broadcast(msg protocol.Message) {
	if err := s.room.Broadcast(msg); err != nil {
		s.logger.WithError(err).WithField("type", msg.Type).Debug("Broadcast skipped")
	}
}

// adoptEngineBaseline records the engine's current state as already
// broadcast so a promotion does not replay it.
func (s *Synchronizer) adoptEngineBaseline() {
	s.lastPlaying = s.engine.IsPlaying()
	s.lastTrackID = ""
	if item := s.engine.CurrentItem(); item != nil {
		s.lastTrackID = item.ID
	}
	s.lastQueueIDs = itemIDs(s.engine.Queue())
}

func (s *Synchronizer) handleEngineEvent(evt player.Event) {
	if evt.Kind == player.ItemReady {
		s.onEngineReady(evt.TrackID)
		return
	}
	if !s.canBroadcast() {
		return
	}

	switch evt.Kind {
	case player.PlayingChanged:
		s.broadcastTransport(evt.IsPlaying)
	case player.MediaItemChanged:
		if evt.Item == nil || evt.Item.ID == s.lastTrackID {
			return
		}
		s.lastTrackID = evt.Item.ID
		s.broadcast(protocol.Message{Type: protocol.TypeChangeTrack, Payload: protocol.ChangeTrackPayload{Track: evt.Item.TrackInfo()}})
		if s.engine.IsPlaying() {
			s.lastPlaying = true
			s.broadcast(protocol.Message{Type: protocol.TypePlay, Payload: protocol.PositionPayload{PositionMs: s.engine.Position()}})
		}
	case player.PositionDiscontinuity:
		s.broadcast(protocol.Message{Type: protocol.TypeSeek, Payload: protocol.PositionPayload{PositionMs: evt.PositionMs}})
	case player.QueueChanged:
		s.armDebounce()
	}
}

// broadcastTransport sends PLAY or PAUSE once per logical change.
func (s *Synchronizer) broadcastTransport(playing bool) {
	if playing == s.lastPlaying {
		return
	}
	s.lastPlaying = playing
	msgType := protocol.TypePause
	if playing {
		msgType = protocol.TypePlay
	}
	s.broadcast(protocol.Message{Type: msgType, Payload: protocol.PositionPayload{PositionMs: s.engine.Position()}})
}

func (s *Synchronizer) sendHeartbeat() {
	if !s.canBroadcast() || !s.engine.IsPlaying() || !s.engine.IsReady() {
		return
	}
	s.broadcast(protocol.Message{Type: protocol.TypePlay, Payload: protocol.PositionPayload{PositionMs: s.engine.Position()}})
}

func (s *Synchronizer) armDebounce() {
	s.stopDebounce()
	s.debounce = time.NewTimer(s.cfg.QueueDebounce)
}

func (s *Synchronizer) stopDebounce() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// flushQueue broadcasts the local queue if it differs from the last one
// sent or applied.
func (s *Synchronizer) flushQueue() {
	if s.role != room.RoleHost {
		return
	}
	queue := s.engine.Queue()
	ids := itemIDs(queue)
	if equalIDs(ids, s.lastQueueIDs) {
		return
	}
	s.lastQueueIDs = ids
	s.broadcast(protocol.Message{Type: protocol.TypeSyncQueue, Payload: protocol.SyncQueuePayload{
		Queue: models.TrackInfos(queue),
		Title: s.room.QueueTitle(),
	}})
}

// Inbound.

func (s *Synchronizer) handleRoomEvent(ctx context.Context, evt room.Event) {
	switch e := evt.(type) {
	case room.RoleChanged:
		s.onRoleChanged(e.To)
	case room.Play:
		s.onTransport(true, true, e.PositionMs)
	case room.Pause:
		s.onTransport(true, false, e.PositionMs)
	case room.Seek:
		s.onTransport(false, false, e.PositionMs)
	case room.TrackChanged:
		if s.role != room.RoleGuest {
			return
		}
		if e.WithQueue {
			track := e.Track
			s.startLoad(ctx, &track, e.Queue, target{playing: s.room.State().IsPlaying, at: s.now()})
			return
		}
		s.startBarrier(ctx, e.Track)
	case room.StateSynced:
		if s.role != room.RoleGuest {
			return
		}
		st := protocol.RoomState{
			CurrentTrack: e.State.CurrentTrack,
			IsPlaying:    e.State.IsPlaying,
			PositionMs:   e.State.PositionMs,
			LastUpdateMs: e.State.LastUpdateMs,
			Queue:        e.State.Queue,
		}
		s.syncToState(ctx, st)
	case room.JoinApproved:
		if s.role == room.RoleGuest {
			s.syncToState(ctx, e.State)
		}
	case room.Reconnected:
		if s.role == room.RoleGuest {
			s.syncToState(ctx, e.State)
		}
	case room.QueueSynced:
		s.startQueueSync(ctx, e.Queue)
	case room.BufferComplete:
		s.onBufferComplete(e.TrackID)
	case room.SuggestionApproved:
		if s.role == room.RoleHost {
			s.appendSuggestion(ctx, e.Track)
		}
	}
}

func (s *Synchronizer) onRoleChanged(to room.Role) {
	from := s.role
	s.role = to
	s.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Synchronizer role changed")

	s.cancelBarrier()
	s.cancelLoad()
	s.deferredQueue = nil
	switch to {
	case room.RoleHost:
		s.adoptEngineBaseline()
	case room.RoleNone:
		s.cancelQueue()
		s.stopDebounce()
		s.lastQueueIDs = nil
	}
}

// onTransport applies PLAY/PAUSE (setPlaying) or SEEK on a guest. While a
// load is pending it only updates the pending target.
func (s *Synchronizer) onTransport(setPlaying, playing bool, positionMs int64) {
	if s.role != room.RoleGuest {
		return
	}
	now := s.now()
	update := func(t *target) {
		if setPlaying {
			t.playing = playing
		}
		t.positionMs = positionMs
		t.at = now
	}
	if s.barrier != nil {
		update(&s.barrier.pending)
		return
	}
	if s.load != nil {
		update(&s.load.pending)
		return
	}

	s.guard.Hold()
	if setPlaying && !playing {
		s.engine.Pause()
	}
	s.correctPosition(positionMs)
	if setPlaying && playing && !s.engine.IsPlaying() {
		s.engine.Play()
	}
}

// correctPosition seeks only when the drift exceeds the tolerance.
func (s *Synchronizer) correctPosition(positionMs int64) {
	delta := s.engine.Position() - positionMs
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > s.cfg.PositionTolerance {
		s.engine.SeekTo(positionMs)
	}
}

// applyTarget brings transport to t. Callers hold the guard.
func (s *Synchronizer) applyTarget(t target) {
	s.correctPosition(t.positionAt(s.now()))
	switch {
	case t.playing && !s.engine.IsPlaying():
		s.engine.Play()
	case !t.playing && s.engine.IsPlaying():
		s.engine.Pause()
	}
}

// Buffering barrier.

func (s *Synchronizer) startBarrier(ctx context.Context, track protocol.TrackInfo) {
	s.cancelBarrier()
	s.cancelLoad()

	s.seq++
	bctx, cancel := context.WithCancel(ctx)
	s.barrier = &barrier{
		seq:     s.seq,
		trackID: track.ID,
		track:   track,
		pending: target{playing: s.room.State().IsPlaying, at: s.now()},
		cancel:  cancel,
	}
	s.logger.WithField("track_id", track.ID).Info("Buffering track change")

	seq := s.seq
	go func() {
		item, err := s.resolve(bctx, track)
		s.deliver(bctx, result{kind: barrierResolved, seq: seq, items: []models.MediaItem{item}, err: err})
	}()
}

func (s *Synchronizer) cancelBarrier() {
	if s.barrier == nil {
		return
	}
	s.barrier.cancel()
	s.barrier = nil
	if s.bufferTimer != nil {
		s.bufferTimer.Stop()
		s.bufferTimer = nil
	}
}

// deliver hands a background result to the Run loop unless cancelled.
func (s *Synchronizer) deliver(ctx context.Context, res result) {
	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}

func (s *Synchronizer) onBarrierResolved(ctx context.Context, res result) {
	b := s.barrier
	if b == nil || res.seq != b.seq {
		return
	}
	if res.err != nil {
		s.logger.WithError(res.err).WithField("track_id", b.trackID).Warn("Track resolution failed, abandoning buffering")
		s.cancelBarrier()
		s.flushDeferredQueue()
		return
	}

	item := res.items[0]
	queue := s.engine.Queue()
	s.guard.Hold()
	if idx := indexOf(queue, item.ID); idx >= 0 {
		queue[idx] = item
		s.engine.SetMediaItems(queue, idx, 0)
	} else {
		s.engine.SetMediaItems([]models.MediaItem{item}, 0, 0)
	}
	s.engine.Pause()
	b.loaded = true

	if s.engine.IsTrackReady(b.trackID) {
		s.onEngineReady(b.trackID)
		return
	}
	s.pollReady(ctx, b)
}

// pollReady is the fallback for engines whose readiness event may be missed.
func (s *Synchronizer) pollReady(ctx context.Context, b *barrier) {
	seq, trackID := b.seq, b.trackID
	interval, attempts := s.cfg.ReadyPollInterval, s.cfg.ReadyPollAttempts
	bctx, cancel := context.WithCancel(ctx)
	prev := b.cancel
	b.cancel = func() { cancel(); prev() }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; i < attempts; i++ {
			select {
			case <-bctx.Done():
				return
			case <-ticker.C:
				if s.engine.IsTrackReady(trackID) {
					s.deliver(bctx, result{kind: barrierReady, seq: seq, ready: true})
					return
				}
			}
		}
		s.deliver(bctx, result{kind: barrierReady, seq: seq, ready: false})
	}()
}

func (s *Synchronizer) onEngineReady(trackID string) {
	b := s.barrier
	if b == nil || !b.loaded || b.readySent || b.trackID != trackID {
		return
	}
	b.readySent = true
	if err := s.room.Send(protocol.Message{Type: protocol.TypeBufferReady, Payload: protocol.BufferReadyPayload{TrackID: trackID}}); err != nil {
		s.logger.WithError(err).Debug("Failed to report buffer ready")
	}
	if b.readyReceived {
		s.applyBarrier()
		return
	}
	if s.cfg.BufferCompleteTimeout > 0 {
		s.bufferTimer = time.NewTimer(s.cfg.BufferCompleteTimeout)
	}
}

func (s *Synchronizer) onBufferComplete(trackID string) {
	b := s.barrier
	if b == nil || b.trackID != trackID {
		return
	}
	if b.readySent {
		s.applyBarrier()
		return
	}
	b.readyReceived = true
}

// applyBarrier releases the barrier into its pending transport state.
func (s *Synchronizer) applyBarrier() {
	b := s.barrier
	if b == nil {
		return
	}
	pending := b.pending
	s.cancelBarrier()

	s.guard.Hold()
	s.flushDeferredQueue()
	s.applyTarget(pending)
	s.logger.WithFields(logrus.Fields{"track_id": b.trackID, "playing": pending.playing}).Info("Track change applied")
}

// Full loads.

// syncToState loads a full room snapshot.
func (s *Synchronizer) syncToState(ctx context.Context, st protocol.RoomState) {
	nowMs := s.now().UnixMilli()
	t := target{playing: st.IsPlaying, positionMs: st.EstimatedPosition(nowMs), at: s.now()}
	if st.CurrentTrack == nil && len(st.Queue) == 0 {
		s.cancelBarrier()
		s.cancelLoad()
		if s.engine.IsPlaying() {
			s.guard.Hold()
			s.engine.Pause()
		}
		return
	}
	s.startLoad(ctx, st.CurrentTrack, st.Queue, t)
}

// startLoad resolves queue (plus current when missing from it) and loads it
// positioned at current. Idempotent when the engine already matches.
func (s *Synchronizer) startLoad(ctx context.Context, current *protocol.TrackInfo, queue []protocol.TrackInfo, t target) {
	s.cancelBarrier()
	s.cancelLoad()
	s.deferredQueue = nil

	tracks := append([]protocol.TrackInfo{}, queue...)
	if current != nil && indexOfTrack(tracks, current.ID) < 0 {
		tracks = append([]protocol.TrackInfo{*current}, tracks...)
	}

	s.seq++
	lctx, cancel := context.WithCancel(ctx)
	s.load = &load{seq: s.seq, current: current, pending: t, cancel: cancel}

	if s.engineMatches(current, tracks) {
		s.finishLoad(nil)
		return
	}

	seq := s.seq
	go func() {
		items, err := s.resolveAll(lctx, tracks)
		s.deliver(lctx, result{kind: loadResolved, seq: seq, items: items, err: err})
	}()
}

func (s *Synchronizer) engineMatches(current *protocol.TrackInfo, tracks []protocol.TrackInfo) bool {
	if !models.SameIDs(s.engine.Queue(), tracks) {
		return false
	}
	item := s.engine.CurrentItem()
	if current == nil {
		return item != nil
	}
	return item != nil && item.ID == current.ID
}

func (s *Synchronizer) cancelLoad() {
	if s.load == nil {
		return
	}
	s.load.cancel()
	s.load = nil
}

// finishLoad applies a resolved load. nil items means the engine already
// holds the right queue.
func (s *Synchronizer) finishLoad(items []models.MediaItem) {
	l := s.load
	if l == nil {
		return
	}
	s.cancelLoad()

	s.guard.Hold()
	if items != nil {
		idx := 0
		if l.current != nil {
			if i := indexOf(items, l.current.ID); i >= 0 {
				idx = i
			}
		}
		s.engine.SetMediaItems(items, idx, l.pending.positionAt(s.now()))
		s.lastQueueIDs = itemIDs(items)
	}
	s.applyTarget(l.pending)
}

func (s *Synchronizer) resolveAll(ctx context.Context, tracks []protocol.TrackInfo) ([]models.MediaItem, error) {
	items := make([]models.MediaItem, 0, len(tracks))
	for _, t := range tracks {
		item, err := s.resolve(ctx, t)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Synchronizer) resolve(ctx context.Context, track protocol.TrackInfo) (models.MediaItem, error) {
	item, err := s.resolver.Resolve(ctx, track)
	if err != nil {
		return models.MediaItem{}, fmt.Errorf("%w %s: %w", ErrResolve, track.ID, err)
	}
	return item, nil
}

// Queue sync.

func (s *Synchronizer) startQueueSync(ctx context.Context, queue []protocol.TrackInfo) {
	s.cancelQueue()
	s.deferredQueue = nil
	if models.SameIDs(s.engine.Queue(), queue) {
		s.lastQueueIDs = trackIDs(queue)
		return
	}

	s.queueSeq++
	seq := s.queueSeq
	qctx, cancel := context.WithCancel(ctx)
	s.queueCancel = cancel
	tracks := append([]protocol.TrackInfo{}, queue...)
	go func() {
		items, err := s.resolveAll(qctx, tracks)
		s.deliver(qctx, result{kind: queueResolved, seq: seq, items: items, err: err})
	}()
}

func (s *Synchronizer) cancelQueue() {
	if s.queueCancel != nil {
		s.queueCancel()
		s.queueCancel = nil
	}
}

// applyQueue replaces the engine queue, keeping the current track and
// position when it survives, else falling back to the first item.
func (s *Synchronizer) applyQueue(items []models.MediaItem) {
	s.guard.Hold()
	s.lastQueueIDs = itemIDs(items)

	if cur := s.engine.CurrentItem(); cur != nil {
		if idx := indexOf(items, cur.ID); idx >= 0 {
			s.engine.SetMediaItems(items, idx, s.engine.Position())
			return
		}
	}
	s.engine.SetMediaItems(items, 0, 0)
}

// flushDeferredQueue applies a queue that arrived while a track change was
// buffering.
func (s *Synchronizer) flushDeferredQueue() {
	if s.deferredQueue == nil {
		return
	}
	items := s.deferredQueue
	s.deferredQueue = nil
	s.applyQueue(items)
}

// Suggestions.

func (s *Synchronizer) appendSuggestion(ctx context.Context, track protocol.TrackInfo) {
	s.seq++
	seq := s.seq
	sctx, cancel := context.WithCancel(ctx)
	s.suggestionCancellers[seq] = cancel
	go func() {
		item, err := s.resolve(sctx, track)
		s.deliver(sctx, result{kind: suggestionResolved, seq: seq, items: []models.MediaItem{item}, err: err})
	}()
}

func (s *Synchronizer) handleResult(ctx context.Context, res result) {
	switch res.kind {
	case barrierResolved:
		s.onBarrierResolved(ctx, res)
	case barrierReady:
		b := s.barrier
		if b == nil || res.seq != b.seq {
			return
		}
		if !res.ready {
			s.logger.WithField("track_id", b.trackID).Warn("Engine not ready in time, continuing")
		}
		s.onEngineReady(b.trackID)
	case loadResolved:
		if s.load == nil || res.seq != s.load.seq {
			return
		}
		if res.err != nil {
			s.logger.WithError(res.err).Warn("Queue load failed, keeping current playback")
			s.cancelLoad()
			return
		}
		s.finishLoad(res.items)
	case queueResolved:
		if res.seq != s.queueSeq || s.queueCancel == nil {
			return
		}
		s.cancelQueue()
		if res.err != nil {
			s.logger.WithError(res.err).Warn("Queue sync failed, keeping current queue")
			return
		}
		if s.barrier != nil {
			// The barrier keeps the engine paused on its track until release.
			s.deferredQueue = res.items
			return
		}
		s.applyQueue(res.items)
	case suggestionResolved:
		cancel, ok := s.suggestionCancellers[res.seq]
		if !ok {
			return
		}
		cancel()
		delete(s.suggestionCancellers, res.seq)
		if res.err != nil {
			s.logger.WithError(res.err).Warn("Approved suggestion could not be resolved")
			return
		}
		if s.role == room.RoleHost {
			s.engine.AddMediaItems(res.items...)
		}
	}
}

func indexOf(items []models.MediaItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func indexOfTrack(tracks []protocol.TrackInfo, id string) int {
	for i, t := range tracks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func itemIDs(items []models.MediaItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func trackIDs(tracks []protocol.TrackInfo) []string {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
