package loader

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period Watch waits for before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls reload once file activity under roots has been quiet for
// debounce. New directories are picked up as they appear. It blocks until
// ctx ends.
func Watch(ctx context.Context, roots []string, debounce time.Duration, logger zerolog.Logger, reload func(context.Context)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	for _, root := range roots {
		if err := addTree(w, root); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.Warn().Str("root", root).Msg("watch root does not exist")
				continue
			}
			return err
		}
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if err := addTree(w, ev.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
					logger.Warn().Err(err).Str("dir", ev.Name).Msg("watch new directory")
				}
			}
			logger.Trace().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("change")
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch")
		case <-timer.C:
			logger.Info().Msg("sources changed, reloading")
			reload(ctx)
		}
	}
}

// addTree watches dir and every directory below it. Plain files are ignored.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		return w.Add(p)
	})
}
