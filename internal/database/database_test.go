package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ensemble/internal/session"
	"ensemble/pkg/models"

	"github.com/sirupsen/logrus"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionKV(t *testing.T) {
	db := newTestDatabase(t)

	t.Run("MissingKey", func(t *testing.T) {
		_, ok, err := db.Get("nope")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok {
			t.Error("Expected missing key")
		}
	})

	t.Run("SetOverwrite", func(t *testing.T) {
		if err := db.Set("room_code", "AB12"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := db.Set("room_code", "CD34"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		v, ok, err := db.Get("room_code")
		if err != nil || !ok || v != "CD34" {
			t.Errorf("Expected CD34, got %q ok=%v err=%v", v, ok, err)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		db.Set("a", "1")
		db.Set("b", "2")
		if err := db.Remove("a", "b", "missing"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, ok, _ := db.Get("a"); ok {
			t.Error("Expected a to be removed")
		}
	})

	t.Run("BacksSessionStore", func(t *testing.T) {
		store := session.NewStore(db, time.Hour)
		want := &session.Session{Token: "tok", RoomCode: "AB12", UserID: "u1", StartedAt: time.Now(), Username: "Alice"}
		if err := store.Save(want); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.Token != "tok" || got.Username != "Alice" || got.IsHost {
			t.Errorf("Unexpected session: %+v", got)
		}
		if err := store.Clear(); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		if _, err := store.Load(); !errors.Is(err, session.ErrNoSession) {
			t.Errorf("Expected ErrNoSession, got %v", err)
		}
	})
}

func TestTracks(t *testing.T) {
	db := newTestDatabase(t)

	track := models.MediaItem{
		ID:          "id-1",
		Title:       "Test Song",
		Artist:      "Test Artist",
		Album:       "Test Album",
		TrackNumber: 1,
		DurationMs:  180000,
		FilePath:    "/music/song.mp3",
		FileSize:    1024000,
	}
	if err := db.UpsertTrack(track); err != nil {
		t.Fatalf("Failed to insert track: %v", err)
	}

	t.Run("GetByID", func(t *testing.T) {
		got, err := db.GetTrackByID("id-1")
		if err != nil {
			t.Fatalf("Failed to get track: %v", err)
		}
		if got.Title != track.Title || got.FilePath != track.FilePath || got.DurationMs != track.DurationMs {
			t.Errorf("Unexpected track: %+v", got)
		}
	})

	t.Run("FindCaseInsensitive", func(t *testing.T) {
		got, err := db.FindTrack("test song", "TEST ARTIST")
		if err != nil {
			t.Fatalf("Failed to find track: %v", err)
		}
		if got.ID != "id-1" {
			t.Errorf("Expected id-1, got %s", got.ID)
		}
	})

	t.Run("UpsertSamePath", func(t *testing.T) {
		updated := track
		updated.Title = "Renamed"
		if err := db.UpsertTrack(updated); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		all, err := db.GetAllTracks()
		if err != nil {
			t.Fatalf("GetAllTracks failed: %v", err)
		}
		if len(all) != 1 || all[0].Title != "Renamed" {
			t.Errorf("Expected one renamed track, got %+v", all)
		}
	})

	t.Run("RemoveByPath", func(t *testing.T) {
		if err := db.RemoveTrackByPath("/music/song.mp3"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := db.GetTrackByID("id-1"); !errors.Is(err, ErrTrackNotFound) {
			t.Errorf("Expected ErrTrackNotFound, got %v", err)
		}
	})
}
