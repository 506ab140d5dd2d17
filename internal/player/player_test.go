package player

import (
	"sync"
	"testing"
	"time"

	"ensemble/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPlayer(t *testing.T) (*Player, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := NewPlayer(10 * time.Millisecond)
	p.now = clock.Now
	t.Cleanup(p.Close)
	return p, clock
}

func items(ids ...string) []models.MediaItem {
	out := make([]models.MediaItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.MediaItem{ID: id, Title: "Track " + id, DurationMs: 60000})
	}
	return out
}

func TestPositionAdvancesWhilePlaying(t *testing.T) {
	p, clock := newTestPlayer(t)
	p.SetMediaItems(items("a"), 0, 1000)

	clock.Advance(2 * time.Second)
	assert.Equal(t, int64(1000), p.Position())

	p.Play()
	clock.Advance(2 * time.Second)
	assert.Equal(t, int64(3000), p.Position())

	p.Pause()
	clock.Advance(5 * time.Second)
	assert.Equal(t, int64(3000), p.Position())

	p.SeekTo(120000)
	assert.Equal(t, int64(60000), p.Position())
}

func TestReadiness(t *testing.T) {
	p, _ := newTestPlayer(t)
	events := p.Subscribe()

	p.SetMediaItems(items("a", "b"), 1, 0)
	assert.False(t, p.IsTrackReady("b"))

	require.Eventually(t, func() bool { return p.IsTrackReady("b") }, time.Second, 5*time.Millisecond)
	assert.False(t, p.IsTrackReady("a"))
	assert.True(t, p.IsReady())

	var sawReady bool
	for !sawReady {
		select {
		case evt := <-events:
			if evt.Kind == ItemReady {
				assert.Equal(t, "b", evt.TrackID)
				sawReady = true
			}
		case <-time.After(time.Second):
			t.Fatal("no ItemReady event")
		}
	}
}

func TestSetMediaItemsSameCurrentKeepsReadiness(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.SetMediaItems(items("a", "b"), 0, 0)
	require.Eventually(t, p.IsReady, time.Second, 5*time.Millisecond)

	events := p.Subscribe()
	p.SetMediaItems(items("x", "a"), 1, 500)

	assert.True(t, p.IsTrackReady("a"))
	evt := <-events
	assert.Equal(t, QueueChanged, evt.Kind)
	select {
	case evt := <-events:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestEvents(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.SetMediaItems(items("a"), 0, 0)
	events := p.Subscribe()

	p.Play()
	p.Play()
	p.SeekTo(5000)
	p.Pause()

	var kinds []EventKind
	for len(kinds) < 3 {
		evt := <-events
		if evt.Kind == ItemReady {
			continue
		}
		kinds = append(kinds, evt.Kind)
	}
	assert.Equal(t, []EventKind{PlayingChanged, PositionDiscontinuity, PlayingChanged}, kinds)
}

func TestTransportGate(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.SetMediaItems(items("a", "b"), 0, 0)

	allowed := false
	p.SetTransportGate(func() bool { return allowed })

	assert.ErrorIs(t, p.TogglePlayPause(), ErrVetoed)
	assert.ErrorIs(t, p.UserSeek(100), ErrVetoed)
	assert.ErrorIs(t, p.SkipTo(1), ErrVetoed)
	assert.False(t, p.IsPlaying())

	p.Play()
	assert.True(t, p.IsPlaying())

	allowed = true
	require.NoError(t, p.TogglePlayPause())
	assert.False(t, p.IsPlaying())
	require.NoError(t, p.SkipTo(1))
	assert.Equal(t, "b", p.CurrentItem().ID)
}

func TestQueueEdits(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.AddMediaItems(items("a")...)
	assert.Equal(t, "a", p.CurrentItem().ID)

	p.AddMediaItems(items("b", "c")...)
	assert.Len(t, p.Queue(), 3)

	p.RemoveMediaItem(0)
	assert.Equal(t, "b", p.CurrentItem().ID)
	assert.Equal(t, 0, p.CurrentIndex())

	p.RemoveMediaItem(1)
	assert.Len(t, p.Queue(), 1)
	assert.Equal(t, "b", p.CurrentItem().ID)
}

func TestAdvancesAtEndOfItem(t *testing.T) {
	p := NewPlayer(time.Millisecond)
	t.Cleanup(p.Close)
	short := []models.MediaItem{{ID: "a", DurationMs: 20}, {ID: "b", DurationMs: 20}}

	p.SetMediaItems(short, 0, 0)
	p.Play()

	require.Eventually(t, func() bool {
		item := p.CurrentItem()
		return item != nil && item.ID == "b"
	}, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return !p.IsPlaying() }, time.Second, 2*time.Millisecond)
}

func TestGetState(t *testing.T) {
	p, _ := newTestPlayer(t)
	state := p.GetState()
	assert.Nil(t, state.Item)

	p.SetMediaItems(items("a", "b"), 1, 250)
	state = p.GetState()
	require.NotNil(t, state.Item)
	assert.Equal(t, "b", state.Item.ID)
	assert.Equal(t, 1, state.Index)
	assert.Equal(t, 2, state.QueueSize)
	assert.Equal(t, int64(250), state.PositionMs)
	assert.Equal(t, int64(60000), state.DurationMs)
}
