package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sharedfs/pkg/errors"
)

var fs = afero.NewOsFs()

// Watcher reports changes to a directory tree.
type Watcher struct {
	watcher *fsnotify.Watcher
	changes chan struct{}
}

// Watch watches for changes anywhere under `root`. Directories created after
// the watch starts are watched as well.
func Watch(root string) (*Watcher, error) {
	pathsToWatch, err := getPathsToWatch(root)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	go logErrors(watcher.Errors)
	w := &Watcher{watcher: watcher}
	w.changes = combineUpdates(watcher.Events, w.watchNewDirectory)
	return w, nil
}

// Changes receives a value after the tree changes. Bursts of changes are
// coalesced into one value. The channel is closed when the Watcher is.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) watchNewDirectory(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}

	paths, err := getPathsToWatch(event.Name)
	if err != nil {
		// The path may already be gone again.
		log.WithError(err).WithField("path", event.Name).Debug("Failed to list new path")
		return
	}

	for _, path := range paths {
		if err := w.watcher.Add(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to watch new directory")
		}
	}
}

func combineUpdates(updates <-chan fsnotify.Event, onEvent func(fsnotify.Event)) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for event := range updates {
			if onEvent != nil {
				onEvent(event)
			}

			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func logErrors(errs <-chan error) {
	for err := range errs {
		log.WithError(err).Warn("File watcher error")
	}
}

// getPathsToWatch returns `root` and every directory under it, since
// fsnotify doesn't watch directories recursively. Watching a directory
// reports changes to the files in it. Hidden directories are skipped.
func getPathsToWatch(root string) (paths []string, err error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		return nil, nil
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if !fi.IsDir() {
			return nil
		}

		if path != root && strings.HasPrefix(filepath.Base(path), ".") {
			return filepath.SkipDir
		}

		paths = append(paths, path)
		return nil
	})
	return paths, err
}
