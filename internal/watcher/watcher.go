// Package watcher ingests documents dropped into a course directory tree.
// Each subdirectory of the watched root is a course id; files placed there
// are uploaded into that course. Files directly under the root go to MISC.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/models"
)

const defaultDebounce = 400 * time.Millisecond

// UploadFunc receives a file ready for ingestion. courseID and docType are
// derived from the file's location and name.
type UploadFunc func(path, courseID, docType string)

// RemoveFunc receives the course and source file of a deleted drop file.
type RemoveFunc func(courseID, sourceFile string)

// Watcher watches a drop directory and triggers ingestion on file changes.
type Watcher struct {
	root        string
	extensions  []string
	onUpload    UploadFunc
	onRemove    RemoveFunc
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce overrides the write-event debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher over root. extensions filters which files are
// ingested (empty = all). onUpload and onRemove are called for file create
// and delete events.
func New(root string, extensions []string, onUpload UploadFunc, onRemove RemoveFunc, opts ...Option) *Watcher {
	w := &Watcher{
		root:        filepath.Clean(root),
		extensions:  extensions,
		onUpload:    onUpload,
		onRemove:    onRemove,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. The root is created if missing. Start returns
// immediately; events are handled on a background goroutine until Stop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		w.mu.Unlock()
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	if w.logger != nil {
		w.logger.Debug("watcher starting",
			zap.String("root", w.root),
			zap.Strings("extensions", w.extensions))
	}
	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		w.watcher = nil
		w.started = false
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()
	go w.run()
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if w.logger != nil {
		w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	}
	switch ev.Op {
	case fsnotify.Create, fsnotify.Write:
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			// New course directory: watch it and ingest anything already inside.
			w.mu.Lock()
			watcher := w.watcher
			w.mu.Unlock()
			if watcher != nil {
				_ = watcher.Add(path)
			}
			w.syncDir(path)
			return
		}
		if w.matchExtension(path) {
			w.debounceUpload(path)
		}
	case fsnotify.Remove:
		w.cancelDebounce(path)
		if w.matchExtension(path) && w.onRemove != nil {
			course, _ := w.classify(path)
			w.onRemove(course, filepath.Base(path))
		}
	}
}

// classify derives the course id and doc type for a drop file from its
// location and name.
func (w *Watcher) classify(path string) (courseID, docType string) {
	courseID = models.MiscCourseID
	rel, err := filepath.Rel(w.root, filepath.Clean(path))
	if err == nil {
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) > 1 {
			courseID = parts[0]
		}
	}
	return courseID, docTypeFromName(filepath.Base(path))
}

// docTypeFromName infers the doc type from a filename prefix such as
// "lecture_week3.pdf". Unrecognized prefixes fall back to misc.
func docTypeFromName(name string) string {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return string(models.DocTypeMisc)
	}
	if dt, err := models.ParseDocType(prefix); err == nil {
		return string(dt)
	}
	return string(models.DocTypeMisc)
}

func (w *Watcher) matchExtension(path string) bool {
	if len(w.extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range w.extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceUpload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		logger := w.logger
		w.mu.Unlock()
		course, docType := w.classify(path)
		if logger != nil {
			logger.Debug("watcher ingesting file (debounced)",
				zap.String("path", path),
				zap.String("course", course),
				zap.String("doc_type", docType))
		}
		if w.onUpload != nil {
			w.onUpload(path, course, docType)
		}
	})
	w.debounceMap[path] = t
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

func (w *Watcher) syncDir(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if w.matchExtension(path) {
			w.debounceUpload(path)
		}
		return nil
	})
}

// SyncExistingFiles ingests every matching file already present under the
// root. Call after Start to pick up files dropped while the process was down.
func (w *Watcher) SyncExistingFiles() {
	w.syncDir(w.root)
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
