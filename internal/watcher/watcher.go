// Package watcher watches the config file and the auth directory and
// triggers hot reloads: account changes rebuild the pool, config changes are
// handed to a reload callback. It supports cross-platform fsnotify event
// handling.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/account"
	"github.com/router-for-me/codexmux/internal/config"
)

const (
	configReloadDebounce = 150 * time.Millisecond
	poolReloadDebounce   = 250 * time.Millisecond
)

// Watcher manages file watching for the configuration file and the
// authentication directory.
type Watcher struct {
	configPath     string
	authDir        string
	pool           *account.Pool
	reloadCallback func(*config.Config)

	watcher *fsnotify.Watcher

	hashMu         sync.Mutex
	lastAuthHashes map[string]string
	lastConfigHash string

	timerMu     sync.Mutex
	configTimer *time.Timer
	poolTimer   *time.Timer
}

// NewWatcher creates a new file watcher. The reload callback receives every
// successfully parsed config after a change; pool reloads happen internally.
func NewWatcher(configPath, authDir string, pool *account.Pool, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     configPath,
		authDir:        authDir,
		pool:           pool,
		reloadCallback: reloadCallback,
		watcher:        fsWatcher,
		lastAuthHashes: make(map[string]string),
	}, nil
}

// Start begins watching the configuration file and the authentication
// directory, including existing account subdirectories. Directories created
// later are added as their create events arrive.
func (w *Watcher) Start(ctx context.Context) error {
	if w.configPath != "" {
		if err := w.watcher.Add(w.configPath); err != nil {
			log.Warnf("failed to watch config file %s: %v", w.configPath, err)
		} else {
			log.Debugf("watching config file: %s", w.configPath)
		}
	}

	if err := w.watcher.Add(w.authDir); err != nil {
		log.Errorf("failed to watch auth directory %s: %v", w.authDir, err)
		return err
	}
	log.Debugf("watching auth directory: %s", w.authDir)

	entries, err := os.ReadDir(w.authDir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(w.authDir, entry.Name())
			if errAdd := w.watcher.Add(dir); errAdd != nil {
				log.Warnf("failed to watch account directory %s: %v", dir, errAdd)
			}
		}
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher and cancels any pending reloads.
func (w *Watcher) Stop() error {
	w.timerMu.Lock()
	if w.configTimer != nil {
		w.configTimer.Stop()
		w.configTimer = nil
	}
	if w.poolTimer != nil {
		w.poolTimer.Stop()
		w.poolTimer = nil
	}
	w.timerMu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}
