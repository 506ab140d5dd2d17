// Package library indexes local audio files and resolves room tracks to
// playable items.
package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"ensemble/internal/cache"
	"ensemble/internal/database"
	"ensemble/internal/protocol"
	"ensemble/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a track is neither indexed nor resolvable by
// fallback.
var ErrNotFound = errors.New("track not in library")

// Store is the library index.
type Store interface {
	UpsertTrack(track models.MediaItem) error
	GetTrackByID(id string) (*models.MediaItem, error)
	FindTrack(title, artist string) (*models.MediaItem, error)
	RemoveTrackByPath(filePath string) error
	GetAllTracks() ([]models.MediaItem, error)
}

// Options configures a Library.
type Options struct {
	Path             string
	SupportedFormats []string
	CacheTTL         time.Duration
	// Fallback makes unknown tracks resolve to metadata-only items instead
	// of failing.
	Fallback bool
}

// Library resolves wire tracks against the local index.
type Library struct {
	opts      Options
	store     Store
	extractor *Extractor
	cache     *cache.MemoryCache[models.MediaItem]
	logger    *logrus.Logger
}

// New creates a library over store.
func New(opts Options, store Store, logger *logrus.Logger) *Library {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Minute
	}
	return &Library{
		opts:      opts,
		store:     store,
		extractor: NewExtractor(opts.SupportedFormats, logger),
		cache:     cache.NewMemoryCache[models.MediaItem](opts.CacheTTL),
		logger:    logger,
	}
}

// Extractor returns the metadata extractor.
func (l *Library) Extractor() *Extractor { return l.extractor }

// Resolve maps a wire track to a playable item: by id, then by title and
// artist, then (with Fallback) to a metadata-only item. The result always
// carries the wire id so queue positions line up with the room.
func (l *Library) Resolve(ctx context.Context, track protocol.TrackInfo) (models.MediaItem, error) {
	if err := ctx.Err(); err != nil {
		return models.MediaItem{}, err
	}
	if item, ok := l.cache.Get(track.ID); ok {
		return item, nil
	}

	local, err := l.lookup(track)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrTrackNotFound) && l.opts.Fallback:
		l.logger.WithField("track_id", track.ID).Debug("Track not in library, using metadata only")
		local = nil
	case errors.Is(err, database.ErrTrackNotFound):
		return models.MediaItem{}, fmt.Errorf("%w: %s", ErrNotFound, track.ID)
	default:
		return models.MediaItem{}, err
	}

	item := models.FromTrackInfo(track)
	if local != nil {
		item.FilePath = local.FilePath
		item.FileSize = local.FileSize
		item.TrackNumber = local.TrackNumber
		item.HasAlbumArt = local.HasAlbumArt
		item.AlbumArtID = local.AlbumArtID
		if item.DurationMs == 0 {
			item.DurationMs = local.DurationMs
		}
		if item.Album == "" {
			item.Album = local.Album
		}
	}

	l.cache.Set(track.ID, item)
	return item, nil
}

func (l *Library) lookup(track protocol.TrackInfo) (*models.MediaItem, error) {
	item, err := l.store.GetTrackByID(track.ID)
	if !errors.Is(err, database.ErrTrackNotFound) {
		return item, err
	}
	if track.Title == "" {
		return nil, err
	}
	return l.store.FindTrack(track.Title, track.Artist)
}

// Track returns the indexed track with the given library id.
func (l *Library) Track(id string) (*models.MediaItem, error) {
	return l.store.GetTrackByID(id)
}

// AlbumArt returns artwork extracted during indexing.
func (l *Library) AlbumArt(artID string) ([]byte, bool) {
	return l.extractor.AlbumArt(artID)
}

// Tracks lists the indexed library.
func (l *Library) Tracks() ([]models.MediaItem, error) {
	return l.store.GetAllTracks()
}

// Scan walks the library path and indexes every supported file with a pool
// of workers. It returns the number of tracks indexed.
func (l *Library) Scan(ctx context.Context) (int, error) {
	if l.opts.Path == "" {
		return 0, nil
	}
	l.logger.WithField("library_path", l.opts.Path).Info("Scanning music library")

	var wg sync.WaitGroup
	var indexed atomic.Int64
	jobs := make(chan string, 100)

	for i := 0; i < runtime.NumCPU(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if l.index(path) {
					indexed.Add(1)
				}
			}
		}()
	}

	walkErr := filepath.Walk(l.opts.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.IsDir() && l.extractor.IsAudioFile(path) {
			jobs <- path
		}
		return nil
	})
	close(jobs)
	wg.Wait()

	l.logger.WithField("tracks", indexed.Load()).Info("Library scan finished")
	return int(indexed.Load()), walkErr
}

// index extracts and stores one file.
func (l *Library) index(path string) bool {
	item, err := l.extractor.ExtractFromFile(path)
	if err != nil {
		l.logger.WithError(err).WithField("file_path", path).Warn("Error extracting metadata")
		return false
	}
	if err := l.store.UpsertTrack(item); err != nil {
		return false
	}
	l.cache.Clear()
	l.logger.WithFields(logrus.Fields{"artist": item.Artist, "title": item.Title}).Debug("Indexed track")
	return true
}

// remove drops the track indexed for path.
func (l *Library) remove(path string) {
	if err := l.store.RemoveTrackByPath(path); err != nil {
		l.logger.WithError(err).WithField("file_path", path).Error("Error removing track from index")
		return
	}
	l.cache.Clear()
	l.logger.WithField("file_path", path).Info("Removed track from index")
}

// Close releases the resolver cache.
func (l *Library) Close() {
	l.cache.Close()
}
