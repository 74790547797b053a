package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrRestartRequired rejects a reload that changes a setting only a restart
// can apply.
var ErrRestartRequired = errors.New("config: change requires restart")

// ReloadableConfig watches the config file and swaps in each new valid
// version. Live connections are unaffected; watchers decide what to
// rebuild.
type ReloadableConfig struct {
	path      string
	log       *zap.Logger
	current   atomic.Pointer[Config]
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	closeOnce sync.Once
	// reloadMu serializes reloads from the watcher and from callers.
	reloadMu sync.Mutex
}

// NewReloadable loads path and starts watching it.
func NewReloadable(path string, log *zap.Logger) (*ReloadableConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &ReloadableConfig{
		path:   path,
		log:    log,
		stopCh: make(chan struct{}),
	}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// editors replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

// Get returns the current configuration.
func (r *ReloadableConfig) Get() *Config { return r.current.Load() }

// Watch registers fn to run after every accepted reload.
func (r *ReloadableConfig) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload loads the file again and swaps it in if the transition is
// allowed.
func (r *ReloadableConfig) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return err
	}
	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()
	for _, fn := range watchers {
		fn(oldCfg, newCfg)
	}
	return nil
}

// validateTransition refuses changes to where the bridge listens or which
// display server it bridges to.
func validateTransition(old, new *Config) error {
	switch {
	case old.Transport.Listen != new.Transport.Listen:
		return fmt.Errorf("%w: transport.listen %s -> %s", ErrRestartRequired, old.Transport.Listen, new.Transport.Listen)
	case old.Transport.Mode != new.Transport.Mode:
		return fmt.Errorf("%w: transport.mode %s -> %s", ErrRestartRequired, old.Transport.Mode, new.Transport.Mode)
	case old.Native.Socket != new.Native.Socket || old.Native.Display != new.Native.Display:
		return fmt.Errorf("%w: native display", ErrRestartRequired)
	}
	return nil
}

func (r *ReloadableConfig) watchLoop() {
	target := filepath.Clean(r.path)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.Warn("config reload rejected", zap.Error(err))
				continue
			}
			r.log.Info("config reloaded", zap.String("path", r.path))
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("config watcher error", zap.Error(err))
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *ReloadableConfig) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		err = r.watcher.Close()
	})
	return err
}
