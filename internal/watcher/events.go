// events.go implements fsnotify event handling for config and auth file
// changes. It normalizes paths, debounces noisy events, and schedules the
// matching reload.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) handleEvent(event fsnotify.Event) {
	normalizedName := normalizePath(event.Name)

	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if normalizedName == normalizePath(w.configPath) && event.Op&configOps != 0 {
		log.Debugf("config file event: %s %s", event.Op.String(), event.Name)
		w.scheduleConfigReload()
		return
	}

	if !strings.HasPrefix(normalizedName, normalizePath(w.authDir)) {
		return
	}

	// A created directory is a new account; watch it so its token file
	// events arrive.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if errAdd := w.watcher.Add(event.Name); errAdd != nil {
				log.Warnf("failed to watch new account directory %s: %v", event.Name, errAdd)
			}
			w.schedulePoolReload()
			return
		}
	}

	// Only the token file and the registry matter. Status records are
	// written by the gateway itself on every attempt; reacting to them
	// would loop.
	base := filepath.Base(normalizedName)
	if base != "auth.json" && base != "accounts.yaml" {
		return
	}
	authOps := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	if event.Op&authOps == 0 {
		return
	}

	if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		if unchanged, err := w.authFileUnchanged(event.Name); err == nil && unchanged {
			log.Debugf("auth file unchanged (hash match), skipping reload: %s", filepath.Base(event.Name))
			return
		}
	}

	log.Infof("auth change detected (%s): %s", event.Op.String(), filepath.Base(event.Name))
	w.schedulePoolReload()
}

// authFileUnchanged reports whether the file content hash matches the last
// seen one, updating the stored hash as a side effect.
func (w *Watcher) authFileUnchanged(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	sum := sha256.Sum256(data)
	curHash := hex.EncodeToString(sum[:])

	normalized := normalizePath(path)
	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	if prev, ok := w.lastAuthHashes[normalized]; ok && prev == curHash {
		return true, nil
	}
	w.lastAuthHashes[normalized] = curHash
	return false, nil
}

func (w *Watcher) schedulePoolReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.poolTimer != nil {
		w.poolTimer.Stop()
	}
	w.poolTimer = time.AfterFunc(poolReloadDebounce, func() {
		w.timerMu.Lock()
		w.poolTimer = nil
		w.timerMu.Unlock()
		w.reloadPool()
	})
}

func (w *Watcher) reloadPool() {
	if err := w.pool.Load(context.Background()); err != nil {
		log.Errorf("account reload failed: %v", err)
		return
	}
	log.Infof("account pool reloaded, %d usable account(s)", w.pool.Size())
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
