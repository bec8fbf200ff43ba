package input

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// hotplugSettle lets udev finish setting node permissions before a new
// device is opened.
const hotplugSettle = 100 * time.Millisecond

// Hotplug is an event node appearing or disappearing.
type Hotplug struct {
	Path  string
	Added bool
}

// Watcher reports event nodes created in or removed from a device
// directory. Changes are batched; notify is called from the watcher
// goroutine when a batch is ready and Take returns it.
type Watcher struct {
	w      *fsnotify.Watcher
	notify func()
	log    *logrus.Entry

	mu      sync.Mutex
	pending []Hotplug
	done    chan struct{}
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, notify func(), log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create device watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{w: fw, notify: notify, log: log, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	settle := time.NewTimer(0)
	<-settle.C // drain initial timer

	var batch []Hotplug
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), "event") {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				batch = append(batch, Hotplug{Path: ev.Name, Added: true})
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				batch = append(batch, Hotplug{Path: ev.Name})
			default:
				continue
			}
			settle.Reset(hotplugSettle)

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("device watcher error")

		case <-settle.C:
			if len(batch) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = append(w.pending, batch...)
			w.mu.Unlock()
			batch = nil
			w.notify()
		}
	}
}

// Take returns the changes reported since the last call.
func (w *Watcher) Take() []Hotplug {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
