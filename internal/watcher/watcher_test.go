package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Tests run in forced polling mode: it exercises the same scan and diff
// logic without depending on inotify availability or delivery timing.
func startPollWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w := New(Options{
		Root:         root,
		Debounce:     10 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		ForcePoll:    true,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func awaitEvent(t *testing.T, w *Watcher, kind EventKind, path string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == kind && ev.Path == path {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", kind, path)
		}
	}
}

func TestStart_MissingRoot(t *testing.T) {
	w := New(Options{Root: filepath.Join(t.TempDir(), "absent"), ForcePoll: true})
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("missing root accepted")
	}
}

func TestInitialScan_ReportsExistingFiles(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "-home-u-app")
	os.MkdirAll(project, 0o755)
	path := filepath.Join(project, "sess.jsonl")
	os.WriteFile(path, []byte("{}\n"), 0o644)

	w := startPollWatcher(t, root)
	awaitEvent(t, w, Added, path)
}

func TestPoll_DetectsNewAndChangedFiles(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "-home-u-app")
	os.MkdirAll(project, 0o755)

	w := startPollWatcher(t, root)

	path := filepath.Join(project, "sess.jsonl")
	os.WriteFile(path, []byte("{\"a\":1}\n"), 0o644)
	awaitEvent(t, w, Added, path)

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	f.WriteString("{\"b\":2}\n")
	f.Close()
	awaitEvent(t, w, Changed, path)
}

func TestPoll_DetectsRemovedFiles(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "sess.jsonl")
	os.WriteFile(path, []byte("{}\n"), 0o644)

	w := startPollWatcher(t, root)
	awaitEvent(t, w, Added, path)

	os.Remove(path)
	awaitEvent(t, w, Removed, path)
}

func TestStop_FencesLateEmits(t *testing.T) {
	w := startPollWatcher(t, t.TempDir())
	w.Stop()

	// A debounce callback that outlives Stop must be a no-op, not a send
	// on the closed channel.
	w.emit(context.Background(), Event{Kind: Changed, Path: "/late"})

	for ev := range w.Events() {
		if ev.Path == "/late" {
			t.Fatal("event delivered after Stop")
		}
	}

	// Stop is idempotent; the Cleanup call exercises the second invocation.
	w.Stop()
}

func TestIsTranscript_Filters(t *testing.T) {
	w := New(Options{Root: "/tmp"})

	tests := []struct {
		path string
		want bool
	}{
		{"/p/-home-u/sess.jsonl", true},
		{"/p/-home-u/agent-abc.jsonl", false},
		{"/p/-home-u/notes.txt", false},
		{"/p/-home-u/sess.jsonl.bak", false},
	}
	for _, tt := range tests {
		if got := w.isTranscript(tt.path); got != tt.want {
			t.Fatalf("isTranscript(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestNonTranscriptFilesIgnored(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "agent-x.jsonl"), []byte("{}\n"), 0o644)
	os.WriteFile(filepath.Join(root, "readme.md"), []byte("hi"), 0o644)
	keep := filepath.Join(root, "sess.jsonl")
	os.WriteFile(keep, []byte("{}\n"), 0o644)

	w := startPollWatcher(t, root)
	awaitEvent(t, w, Added, keep)

	// Give the poll loop a couple of cycles; nothing else may surface.
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == Added && ev.Path != keep {
				t.Fatalf("unexpected event for %s", ev.Path)
			}
		case <-timeout:
			return
		}
	}
}
