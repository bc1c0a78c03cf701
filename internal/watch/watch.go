// Package watch reports debounced change notifications for a local directory
// tree. It drives repeated sync runs.
package watch

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
)

// Watcher coalesces file system events under a root into single change
// notifications.
type Watcher struct {
	root     string
	delay    time.Duration
	fs       *fsnotify.Watcher
	changes  chan struct{}
	mu       sync.Mutex
	timer    *time.Timer
	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New watches root and its subdirectories. A notification is sent once no
// event arrived for delay.
func New(root string, delay time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		delay:   delay,
		fs:      fw,
		changes: make(chan struct{}, 1),
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

// Changes delivers one value per debounced burst of events.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start runs the event loop until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.fs.Events:
				if !ok {
					return
				}
				w.handle(event)
			case err, ok := <-w.fs.Errors:
				if !ok {
					return
				}
				logging.Warn("watch error", zap.String("root", w.root), zap.Error(err))
			}
		}
	}()
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		// new directories need their own watch
		if err := w.addTree(event.Name); err != nil {
			logging.Debug("failed to watch new path", logging.Path(event.Name), zap.Error(err))
		}
	}
	if event.Op == fsnotify.Chmod {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		select {
		case w.changes <- struct{}{}:
		default:
		}
	})
}

// Stop ends the event loop and releases the watches.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.fs.Close()
		w.wg.Wait()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
}
