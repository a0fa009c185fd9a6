// Package fsource feeds the endpoint, service and drop-log managers
// from watched directories of JSON declaration files.
//
// A Watcher monitors one or more directories with fsnotify and
// dispatches create/modify/delete events for matching files to the
// registered handlers. Files whose basename starts with "." are
// ignored; each handler recognizes its own set of suffixes. At start
// the watcher replays the directory contents so declarations present
// before the agent came up are loaded.
//
// Parse and validation errors are logged and dropped at this boundary;
// a malformed file never corrupts existing manager state. A file
// rewritten with a new uuid is handled as delete-old then update-new,
// so exactly one record per uuid is live at any instant.
package fsource

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// Handler consumes file events for one kind of declaration
type Handler interface {
	// Matches reports whether the file basename belongs to this
	// handler
	Matches(name string) bool

	// Updated is invoked for created or modified files
	Updated(path string)

	// Deleted is invoked for removed files
	Deleted(path string)
}

// Watcher dispatches filesystem events on watched directories to
// handlers
type Watcher struct {
	mu      sync.Mutex
	watches map[string][]Handler
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.WaitGroup
	started bool
}

// NewWatcher creates an idle watcher
func NewWatcher() *Watcher {
	return &Watcher{
		watches: make(map[string][]Handler),
	}
}

// AddWatch registers a handler for a directory. Must be called before
// Start.
func (w *Watcher) AddWatch(dir string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches[dir] = append(w.watches[dir], h)
}

// Start replays the current directory contents through the handlers
// and begins watching for changes
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})

	for dir := range w.watches {
		if err := fsw.Add(dir); err != nil {
			klog.Errorf("Could not watch directory %s: %v", dir, err)
			continue
		}
		w.scanDir(dir)
	}

	w.started = true
	w.stopped.Add(1)
	go w.eventLoop()
	return nil
}

// Stop terminates the watch loop
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.fsw.Close()
	w.mu.Unlock()
	w.stopped.Wait()
}

// scanDir replays existing files as updates. Caller holds w.mu.
func (w *Watcher) scanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		klog.Errorf("Could not read directory %s: %v", dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.dispatchLocked(filepath.Join(dir, entry.Name()), false)
	}
}

func (w *Watcher) eventLoop() {
	defer w.stopped.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			klog.Errorf("Filesystem watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.dispatchLocked(event.Name, false)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// a rename is create-new then delete-old; the sources hide
		// the transient duplicate via their known-uuid maps
		w.dispatchLocked(event.Name, true)
	}
}

// dispatchLocked routes one path to the handlers registered for its
// directory. Caller holds w.mu.
func (w *Watcher) dispatchLocked(path string, deleted bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	for _, h := range w.watches[filepath.Dir(path)] {
		if !h.Matches(name) {
			continue
		}
		if deleted {
			h.Deleted(path)
		} else {
			h.Updated(path)
		}
	}
}
