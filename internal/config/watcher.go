package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/logging"
)

// reloadDebounce coalesces the event bursts editors and atomic-save
// renames produce into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and fans
// the parsed result out to subscribers. A file that fails to load leaves
// the last good configuration in place; subscribers only ever see
// configurations that parsed cleanly.
type Watcher struct {
	fs     *fsnotify.Watcher
	loader *Loader
	path   string

	mu   sync.Mutex
	subs []func(*Config)
	last *Config
}

// NewWatcher loads path once and prepares a watcher for it. The initial
// load must succeed; the gateway never starts on a config it cannot parse.
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{fs: fs, loader: NewLoader(), path: path}

	cfg, err := w.loader.Load(path)
	if err != nil {
		fs.Close()
		return nil, err
	}
	w.last = cfg
	return w, nil
}

// OnChange subscribes to successful reloads. Each callback runs on its own
// goroutine.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Start begins watching. It watches the directory holding the config file
// rather than the file itself, which survives the delete-and-rename dance
// editors and configmap updates do on save.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run()
	return nil
}

func (w *Watcher) run() {
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Error("config reload failed, keeping last good configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.last = cfg
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.path))
	for _, fn := range subs {
		go fn(cfg)
	}
}

// Stop ends the watch. Callbacks already in flight still run.
func (w *Watcher) Stop() error {
	return w.fs.Close()
}
