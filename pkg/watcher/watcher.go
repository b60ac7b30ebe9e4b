package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/merchkit/courier/pkg/config"
	"github.com/merchkit/courier/pkg/log"
	"github.com/rs/zerolog"
)

// Reloader is the slice of the plugin manager the watcher drives
type Reloader interface {
	Reload(ctx context.Context) (*config.Config, error)
}

// Watcher reacts to filesystem changes under the configuration file and
// the plugin directories by triggering a debounced manager reload.
type Watcher struct {
	reloader   Reloader
	configPath string
	debounce   time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	watched map[string]bool
	running bool
	stopCh  chan struct{}
}

// New creates a watcher over the configuration file path. A zero
// debounce interval defaults to 500ms.
func New(reloader Reloader, configPath string, debounce time.Duration) *Watcher {
	if debounce == 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		reloader:   reloader,
		configPath: filepath.Clean(configPath),
		debounce:   debounce,
		logger:     log.WithComponent("watcher"),
		watched:    make(map[string]bool),
	}
}

// Start begins watching. The configuration file's directory is watched
// (the store replaces the file atomically via rename, so watching the
// file itself would lose the watch), plus the given plugin directories.
func (w *Watcher) Start(ctx context.Context, pluginDirectories []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.running = true

	w.addWatchLocked(filepath.Dir(w.configPath))
	for _, dir := range pluginDirectories {
		w.addWatchLocked(dir)
	}

	go w.run(ctx)

	w.logger.Info().Str("config", w.configPath).Msg("Watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.fsw.Close()
	w.watched = make(map[string]bool)
	w.logger.Info().Msg("Watcher stopped")
}

// UpdateDirectories replaces the watched plugin directories, keeping the
// configuration directory watch.
func (w *Watcher) UpdateDirectories(pluginDirectories []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	keep := map[string]bool{filepath.Dir(w.configPath): true}
	for _, dir := range pluginDirectories {
		keep[filepath.Clean(dir)] = true
	}

	for path := range w.watched {
		if !keep[path] {
			if err := w.fsw.Remove(path); err != nil {
				w.logger.Debug().Err(err).Str("path", path).Msg("Failed to remove watch")
			}
			delete(w.watched, path)
		}
	}
	for path := range keep {
		w.addWatchLocked(path)
	}
}

func (w *Watcher) addWatchLocked(path string) {
	path = filepath.Clean(path)
	if w.watched[path] {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.logger.Debug().Err(err).Str("path", path).Msg("Failed to watch path")
		return
	}
	w.watched[path] = true
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.scheduleReload(ctx)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// relevant filters events down to the configuration file itself and
// anything inside a watched plugin directory.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	path := filepath.Clean(event.Name)
	if path == w.configPath {
		return true
	}

	dir := filepath.Dir(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched[dir] && dir != filepath.Dir(w.configPath)
}

// scheduleReload debounces bursts of filesystem events into one reload
func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.reload(ctx)
	})
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.reloader.Reload(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Automatic reload failed")
		return
	}
	w.UpdateDirectories(cfg.PluginDirectories)
	w.logger.Info().Msg("Automatic reload complete")
}
