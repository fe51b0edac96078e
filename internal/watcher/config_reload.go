// config_reload.go implements debounced configuration hot reload. Content
// hashes keep editor double-saves and touch events from triggering redundant
// reloads.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/config"
)

func (w *Watcher) scheduleConfigReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.configTimer != nil {
		w.configTimer.Stop()
	}
	w.configTimer = time.AfterFunc(configReloadDebounce, func() {
		w.timerMu.Lock()
		w.configTimer = nil
		w.timerMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.hashMu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	w.lastConfigHash = newHash
	w.hashMu.Unlock()
	if unchanged {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	newConfig, errLoad := config.LoadConfig(w.configPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
}
