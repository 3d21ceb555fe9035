package server

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fieldsetapp/fieldset/modules/dynafield/services"
)

const surveyWatchDebounce = 300 * time.Millisecond

// loadSurveysDir upserts every *.json survey definition under dir. A file
// that fails to parse or validate is logged and skipped so one bad
// definition cannot block the rest of the directory.
func loadSurveysDir(ctx context.Context, dir string, store SurveyStore, rules *services.VisibilityRules, logger *zap.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		ok, err := upsertSurveyFile(ctx, path, store, rules, logger)
		if err != nil {
			return loaded, err
		}
		if ok {
			loaded++
		}
	}
	return loaded, nil
}

func upsertSurveyFile(ctx context.Context, path string, store SurveyStore, rules *services.VisibilityRules, logger *zap.Logger) (bool, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	sv, err := ParseSurvey(body)
	if err != nil {
		logger.Warn("survey definition rejected",
			zap.String("path", path),
			zap.Error(err),
		)
		return false, nil
	}
	if _, err := buildSessionSpec(sv, rules); err != nil {
		logger.Warn("survey definition rejected",
			zap.String("path", path),
			zap.Error(err),
		)
		return false, nil
	}
	if err := store.Upsert(ctx, sv); err != nil {
		return false, err
	}
	logger.Info("survey loaded",
		zap.String("slug", sv.Slug),
		zap.String("path", path),
	)
	return true, nil
}

// surveyWatcher re-upserts survey files as they change on disk. Deleting a
// file never deletes the stored survey; closing is an admin operation.
type surveyWatcher struct {
	fsw    *fsnotify.Watcher
	dir    string
	store  SurveyStore
	rules  *services.VisibilityRules
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func newSurveyWatcher(dir string, store SurveyStore, rules *services.VisibilityRules, logger *zap.Logger) (*surveyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &surveyWatcher{
		fsw:     fsw,
		dir:     dir,
		store:   store,
		rules:   rules,
		logger:  logger,
		pending: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *surveyWatcher) Close() {
	close(w.stopCh)
	<-w.doneCh
	_ = w.fsw.Close()
}

func (w *surveyWatcher) run() {
	defer close(w.doneCh)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.record(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("survey watch error", zap.Error(err))
		case <-tick.C:
			w.flushSettled()
		}
	}
}

// record notes a changed file. Editors fire bursts of events per save, so
// the actual reload waits for the debounce window to pass.
func (w *surveyWatcher) record(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, ".json") {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.mu.Unlock()
}

func (w *surveyWatcher) flushSettled() {
	now := time.Now()
	w.mu.Lock()
	settled := make([]string, 0, len(w.pending))
	for path, at := range w.pending {
		if now.Sub(at) >= surveyWatchDebounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(settled)
	for _, path := range settled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := upsertSurveyFile(ctx, path, w.store, w.rules, w.logger); err != nil {
			w.logger.Warn("survey reload failed",
				zap.String("path", path),
				zap.Error(err),
			)
		}
		cancel()
	}
}
