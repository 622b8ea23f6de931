// Package ingest submits recordings dropped into a watch folder.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice/internal/api"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/pipeline"
)

// DoneDir is the per-project directory submitted files are moved into.
const DoneDir = ".done"

const defaultDebounce = 500 * time.Millisecond

// audioTypes maps accepted extensions to the content type sent upstream.
var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/m4a",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".webm": "audio/webm",
}

// ContentTypeFor returns the content type for an audio filename, or "" when
// the extension is not accepted.
func ContentTypeFor(name string) string {
	return audioTypes[strings.ToLower(filepath.Ext(name))]
}

// Submitter accepts uploads. *pipeline.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, up pipeline.Upload) (*database.Recording, error)
}

// FolderWatcher watches WATCH_DIR for audio files laid out as
// {projectID}/{file} and submits each one once it has stopped changing.
// Submitted files move to {projectID}/.done/; files that fail stay put and
// are retried the next time they change or the watcher restarts.
type FolderWatcher struct {
	submit   Submitter
	watchDir string
	debounce time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*pendingFile

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
	filesFailed    atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

// NewFolderWatcher creates a watcher over watchDir. Call Start to begin.
func NewFolderWatcher(s Submitter, watchDir string, log zerolog.Logger) *FolderWatcher {
	fw := &FolderWatcher{
		submit:         s,
		watchDir:       watchDir,
		debounce:       defaultDebounce,
		log:            log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*pendingFile),
	}
	fw.status.Store("starting")
	return fw
}

// Start adds the watch directory and every project directory under it to
// fsnotify, then submits files already waiting in the background.
func (fw *FolderWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(fw.watchDir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w
	fw.ctx, fw.cancel = context.WithCancel(ctx)

	if err := w.Add(fw.watchDir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", fw.watchDir, err)
	}
	dirCount := 1
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		w.Close()
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(fw.watchDir, e.Name())
		if addErr := w.Add(path); addErr != nil {
			fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
		} else {
			dirCount++
		}
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.watchDir).
		Msg("folder watcher initialized")

	fw.wg.Add(2)
	go func() {
		defer fw.wg.Done()
		fw.watchLoop()
	}()
	go func() {
		defer fw.wg.Done()
		fw.backfill()
	}()
	return nil
}

// Stop closes the fsnotify watcher and waits for in-flight submissions.
func (fw *FolderWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.watcher != nil {
		fw.watcher.Close()
	}

	fw.debounceMu.Lock()
	for path, p := range fw.debounceTimers {
		if p.timer.Stop() {
			fw.wg.Done()
		}
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()

	fw.wg.Wait()
	fw.log.Info().
		Int64("files_processed", fw.filesProcessed.Load()).
		Int64("files_skipped", fw.filesSkipped.Load()).
		Int64("files_failed", fw.filesFailed.Load()).
		Msg("folder watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (fw *FolderWatcher) Status() *api.WatcherStatusData {
	s, _ := fw.status.Load().(string)
	return &api.WatcherStatusData{
		Status:         s,
		WatchDir:       fw.watchDir,
		FilesProcessed: fw.filesProcessed.Load(),
		FilesSkipped:   fw.filesSkipped.Load(),
		FilesFailed:    fw.filesFailed.Load(),
	}
}

func (fw *FolderWatcher) watchLoop() {
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// A new project directory directly under the root.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if filepath.Dir(event.Name) != filepath.Clean(fw.watchDir) || strings.HasPrefix(filepath.Base(event.Name), ".") {
					continue
				}
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					fw.log.Debug().Str("path", event.Name).Msg("watching new project directory")
				}
				continue
			}

			if _, ok := fw.projectFor(event.Name); !ok {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// projectFor reports the project a path belongs to. Only accepted audio
// files exactly one level below the watch root qualify.
func (fw *FolderWatcher) projectFor(path string) (string, bool) {
	rel, err := filepath.Rel(fw.watchDir, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || strings.HasPrefix(parts[0], ".") || strings.HasPrefix(parts[1], ".") {
		return "", false
	}
	if ContentTypeFor(parts[1]) == "" {
		return "", false
	}
	return parts[0], true
}

type pendingFile struct {
	timer *time.Timer
}

// scheduleProcess debounces file processing. This coalesces rapid
// Create+Write events and lets the writer finish before the file is read.
func (fw *FolderWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if p, ok := fw.debounceTimers[path]; ok && p.timer.Stop() {
		p.timer.Reset(fw.debounce)
		return
	}

	p := &pendingFile{}
	fw.wg.Add(1)
	p.timer = time.AfterFunc(fw.debounce, func() {
		defer fw.wg.Done()
		fw.debounceMu.Lock()
		if fw.debounceTimers[path] == p {
			delete(fw.debounceTimers, path)
		}
		fw.debounceMu.Unlock()

		fw.processFile(path)
	})
	fw.debounceTimers[path] = p
}

func (fw *FolderWatcher) processFile(path string) {
	if fw.ctx.Err() != nil {
		return
	}
	projectID, ok := fw.projectFor(path)
	if !ok {
		fw.filesSkipped.Add(1)
		return
	}
	log := fw.log.With().Str("path", path).Str("project_id", projectID).Logger()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Msg("failed to read audio file")
		}
		return
	}
	if len(data) == 0 {
		fw.filesSkipped.Add(1)
		log.Debug().Msg("skipping empty file")
		return
	}

	name := filepath.Base(path)
	rec, err := fw.submit.Submit(fw.ctx, pipeline.Upload{
		ProjectID:   projectID,
		Filename:    name,
		ContentType: ContentTypeFor(name),
		Data:        data,
	})
	if err != nil {
		fw.filesFailed.Add(1)
		log.Warn().Err(err).Msg("failed to submit watched file")
		return
	}

	if err := fw.markDone(path); err != nil {
		log.Warn().Err(err).Str("recording_id", rec.ID).Msg("submitted but could not move file to .done")
	}
	fw.filesProcessed.Add(1)
	log.Info().Str("recording_id", rec.ID).Msg("watched file submitted")
}

func (fw *FolderWatcher) markDone(path string) error {
	doneDir := filepath.Join(filepath.Dir(path), DoneDir)
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(doneDir, filepath.Base(path)))
}

// backfill submits files that were already waiting when the watcher
// started, oldest first.
func (fw *FolderWatcher) backfill() {
	fw.status.Store("backfilling")
	start := time.Now()

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry

	projects, _ := os.ReadDir(fw.watchDir)
	for _, p := range projects {
		if !p.IsDir() || strings.HasPrefix(p.Name(), ".") {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(fw.watchDir, p.Name()))
		if err != nil {
			fw.log.Warn().Err(err).Str("project_id", p.Name()).Msg("error reading project directory")
			continue
		}
		for _, e := range entries {
			path := filepath.Join(fw.watchDir, p.Name(), e.Name())
			if e.IsDir() {
				continue
			}
			if _, ok := fw.projectFor(path); !ok {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	if len(files) > 0 {
		fw.log.Info().Int("files", len(files)).Msg("backfill starting")
	}
	for _, f := range files {
		if fw.ctx.Err() != nil {
			fw.log.Info().Msg("backfill interrupted by shutdown")
			return
		}
		fw.processFile(f.path)
	}

	fw.status.Store("watching")
	if len(files) > 0 {
		fw.log.Info().
			Int("files", len(files)).
			Dur("elapsed", time.Since(start)).
			Msg("backfill complete")
	}
}
