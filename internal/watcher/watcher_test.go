package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/router-for-me/codexmux/internal/account"
	"github.com/router-for-me/codexmux/internal/auth/codex"
	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/store"
)

func seedAccount(t *testing.T, st *store.FileStore, name string) {
	t.Helper()
	dir := st.AccountDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	file := &codex.TokenFile{Tokens: codex.TokenSet{
		AccessToken:  "acc-" + name,
		RefreshToken: "ref-" + name,
	}}
	file.Touch()
	if err := st.SaveTokens(context.Background(), dir, file); err != nil {
		t.Fatalf("save tokens: %v", err)
	}
	if err := st.RegisterAccount(context.Background(), name); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherReloadsPoolOnAuthChange(t *testing.T) {
	authDir := t.TempDir()
	st := store.NewFileStore(authDir)
	seedAccount(t, st, "alpha")

	pool := account.NewPool(st, account.Options{CooldownSeconds: 300})
	if err := pool.Load(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if pool.Size() != 1 {
		t.Fatalf("initial pool size = %d, want 1", pool.Size())
	}

	w, err := NewWatcher("", authDir, pool, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer func() {
		if errStop := w.Stop(); errStop != nil {
			t.Errorf("stop watcher: %v", errStop)
		}
	}()

	seedAccount(t, st, "beta")

	waitFor(t, "pool to pick up the new account", func() bool {
		return pool.Size() == 2
	})
}

func TestWatcherInvokesConfigCallback(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("port: 4319\ndebug: false\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	authDir := t.TempDir()
	st := store.NewFileStore(authDir)
	pool := account.NewPool(st, account.Options{CooldownSeconds: 300})

	reloaded := make(chan *config.Config, 4)
	w, err := NewWatcher(configPath, authDir, pool, func(cfg *config.Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer func() {
		_ = w.Stop()
	}()

	if err := os.WriteFile(configPath, []byte("port: 4319\ndebug: true\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if !cfg.Debug {
			t.Fatalf("reloaded config debug = %t, want true", cfg.Debug)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config reload callback never fired")
	}
}
