package hub

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDuration collapses change bursts (a save touching many files)
// into one file_changed frame.
const debounceDuration = 500 * time.Millisecond

// ArtifactsDirName is the subdirectory of a session's working directory
// whose new files are reported as artifacts.
const ArtifactsDirName = ".wharf/artifacts"

// fileWatcher watches a session's working directory and reports debounced
// change sets. Files appearing under the artifacts subdirectory are
// reported individually.
type fileWatcher struct {
	watcher      *fsnotify.Watcher
	workingDir   string
	artifactsDir string

	onChanged  func(paths []string, at time.Time)
	onArtifact func(path string, size int64)

	done chan struct{}
}

// newFileWatcher starts watching dir. Returns nil when the watch cannot
// be established; file events are an enhancement, not a requirement, and
// the session streams fine without them.
func newFileWatcher(dir string, onChanged func([]string, time.Time), onArtifact func(string, int64)) *fileWatcher {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("hub: create watcher for %s: %v", dir, err)
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		log.Printf("hub: watch %s: %v", dir, err)
		return nil
	}

	artifactsDir := filepath.Join(dir, ArtifactsDirName)
	// Best effort: the directory may not exist yet.
	_ = watcher.Add(artifactsDir)

	fw := &fileWatcher{
		watcher:      watcher,
		workingDir:   dir,
		artifactsDir: artifactsDir,
		onChanged:    onChanged,
		onArtifact:   onArtifact,
		done:         make(chan struct{}),
	}
	go fw.run()
	return fw
}

func (fw *fileWatcher) run() {
	timer := newDebounceTimer()
	defer timer.Stop()

	pending := map[string]struct{}{}

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.handleArtifact(event) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[event.Name] = struct{}{}
			resetDebounceTimer(timer)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				if rel, err := filepath.Rel(fw.workingDir, p); err == nil {
					p = rel
				}
				paths = append(paths, p)
			}
			pending = map[string]struct{}{}
			fw.onChanged(paths, time.Now().UTC())

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("hub: watcher error: %v", err)
		}
	}
}

// handleArtifact reports files created under the artifacts directory and
// keeps them out of the regular change set.
func (fw *fileWatcher) handleArtifact(event fsnotify.Event) bool {
	if !strings.HasPrefix(event.Name, fw.artifactsDir+string(filepath.Separator)) {
		return false
	}
	if event.Op&fsnotify.Create == 0 {
		return true
	}
	info, err := os.Stat(event.Name)
	if err != nil || info.IsDir() {
		return true
	}
	fw.onArtifact(event.Name, info.Size())
	return true
}

func (fw *fileWatcher) Close() {
	close(fw.done)
	_ = fw.watcher.Close()
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
