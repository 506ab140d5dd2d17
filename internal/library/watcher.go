package library

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettleDelay gives a newly created file time to be fully written
// before it is indexed.
const DefaultSettleDelay = 500 * time.Millisecond

// Watcher keeps the index current with fsnotify.
type Watcher struct {
	lib         *Library
	watcher     *fsnotify.Watcher
	settleDelay time.Duration
}

// NewWatcher watches the library path recursively.
func NewWatcher(lib *Library) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{lib: lib, watcher: fw, settleDelay: DefaultSettleDelay}
	if err := w.addDirectory(lib.opts.Path); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// addDirectory adds dir and its subdirectories.
func (w *Watcher) addDirectory(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Run dispatches file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	w.lib.logger.WithField("library_path", w.lib.opts.Path).Info("File watcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.lib.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return
	}
	isAudio := w.lib.extractor.IsAudioFile(event.Name)

	switch {
	case event.Has(fsnotify.Create) && isAudio:
		go func(path string) {
			select {
			case <-time.After(w.settleDelay):
			case <-ctx.Done():
				return
			}
			w.lib.logger.WithField("file_path", path).Info("New audio file detected")
			w.lib.index(path)
		}(event.Name)

	case (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) && isAudio:
		go w.lib.remove(event.Name)

	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirectory(event.Name); err != nil {
				w.lib.logger.WithError(err).WithField("directory", event.Name).Warn("Could not watch new directory")
				return
			}
			w.lib.logger.WithField("directory", event.Name).Info("Watching new directory")
		}
	}
}
