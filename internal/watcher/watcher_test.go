package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherSubmitsAudioFiles(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var submitted []string
	w, err := New(dir, []string{"mp3", ".WAV"}, func(_ context.Context, path string) error {
		mu.Lock()
		defer mu.Unlock()
		submitted = append(submitted, filepath.Base(path))
		return nil
	})
	require.NoError(t, err)
	w.settle = 10 * time.Millisecond
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.mp3"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "standup.mp3"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "call.wav"), []byte("x"), 0o600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(submitted) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"standup.mp3", "call.wav"}, submitted)
}

func TestWatcherIsAudioFile(t *testing.T) {
	w := &Watcher{formats: map[string]bool{".mp3": true}}
	assert.True(t, w.isAudioFile("/in/a.MP3"))
	assert.False(t, w.isAudioFile("/in/a.ogg"))
	assert.False(t, w.isAudioFile("/in/.a.mp3"))
}
