// Package watcher submits audio files dropped into an inbox directory
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meetmemo/pipeline/internal/logger"
)

// SubmitFunc submits the file at path
type SubmitFunc func(ctx context.Context, path string) error

// Watcher monitors a directory for new audio files
type Watcher struct {
	dir     string
	formats map[string]bool
	submit  SubmitFunc
	settle  time.Duration
	watcher *fsnotify.Watcher
}

// New creates a watcher on dir for files with one of the given extensions
func New(dir string, formats []string, submit SubmitFunc) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}

	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set["."+strings.ToLower(strings.TrimPrefix(f, "."))] = true
	}
	return &Watcher{
		dir:     dir,
		formats: set,
		submit:  submit,
		settle:  500 * time.Millisecond,
		watcher: fw,
	}, nil
}

// Start blocks until ctx is cancelled, submitting every new audio file
func (w *Watcher) Start(ctx context.Context) error {
	logger.Infof("Inbox watcher started, monitoring %s", w.dir)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Inbox watcher stopped")
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&fsnotify.Create != fsnotify.Create {
				continue
			}
			if !w.isAudioFile(event.Name) {
				logger.Debugf("Ignoring non-audio file: %s", event.Name)
				continue
			}

			// give the writer a moment to finish the file
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.settle):
			}

			if err := w.submit(ctx, event.Name); err != nil {
				logger.Errorf("Failed to submit %s: %v", event.Name, err)
				continue
			}
			logger.Infof("Submitted inbox file %s", event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Errorf("Watcher error: %v", err)
		}
	}
}

// Stop closes the file watcher
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) isAudioFile(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return w.formats[strings.ToLower(filepath.Ext(path))]
}
