// Package cmd wires the gateway together: account store, pool, token
// refresher, upstream client, HTTP server, and file watcher, plus the
// interactive login and account management commands. It also handles
// graceful shutdown on SIGINT and SIGTERM.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/router-for-me/codexmux/internal/account"
	"github.com/router-for-me/codexmux/internal/api"
	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/store"
	"github.com/router-for-me/codexmux/internal/upstream"
	"github.com/router-for-me/codexmux/internal/watcher"
	log "github.com/sirupsen/logrus"
)

const (
	// refreshCheckInterval is how often the background loop scans for
	// tokens nearing expiry.
	refreshCheckInterval = 15 * time.Minute
	// refreshLead is how close to expiry a token may get before the
	// background loop refreshes it. Wide enough that interactive requests
	// rarely pay refresh latency themselves.
	refreshLead = 30 * time.Minute
	// bootstrapTimeout bounds store calls made during startup and by the
	// one-shot management commands.
	bootstrapTimeout = 30 * time.Second
)

// Store is the persistence surface the command layer drives. All backends
// (file, postgres, object storage, git) satisfy it.
type Store interface {
	store.Store

	// AuthDir returns the local directory holding account files; the
	// watcher and the mirrored backends' spools both live there.
	AuthDir() string
	// AccountDir returns the directory for one account's files.
	AccountDir(name string) string
	RegisterAccount(ctx context.Context, name string) error
	RemoveAccount(ctx context.Context, name string) error
	SetDefault(ctx context.Context, name string) error
	ReadStatus(ctx context.Context, name string) (store.Status, error)
}

// StartService builds the full gateway from cfg and blocks until a shutdown
// signal arrives. It loads the account pool, starts the API server and the
// file watcher, runs the background token refresh loop, and drains in-flight
// requests before exiting.
func StartService(cfg *config.Config, st Store, configPath string) {
	refresher := account.NewRefresher(cfg.OAuthClientID, cfg.ProxyURL)
	pool := account.NewPool(st, account.Options{
		CooldownSeconds:     cfg.CooldownSeconds,
		AuthCooldownSeconds: cfg.AuthCooldownSeconds,
		Refresh:             refresher.Refresh,
	})

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), bootstrapTimeout)
	err := pool.Load(loadCtx)
	cancelLoad()
	if err != nil {
		log.Fatalf("failed to load accounts: %v", err)
	}
	if pool.Size() == 0 {
		log.Warn("no usable accounts found; run with -login to add one")
	} else {
		log.Infof("loaded %d account(s) from %s", pool.Size(), st.AuthDir())
	}

	upstreamClient, err := upstream.NewClient(cfg)
	if err != nil {
		log.Fatalf("failed to create upstream client: %v", err)
	}

	apiServer := api.NewServer(cfg, pool, upstreamClient, configPath)
	log.Infof("Starting API server on port %d", cfg.Port)

	// Start the API server in a goroutine so it doesn't block the main thread.
	go func() {
		if errStart := apiServer.Start(); errStart != nil {
			log.Fatalf("API server failed to start: %v", errStart)
		}
	}()

	// Give the server a moment to start up before proceeding.
	time.Sleep(100 * time.Millisecond)
	log.Info("API server started successfully")

	// The watcher needs the auth directory to exist even before the first
	// login creates an account.
	if errMkdir := os.MkdirAll(st.AuthDir(), 0o700); errMkdir != nil {
		log.Fatalf("failed to create auth directory %s: %v", st.AuthDir(), errMkdir)
	}

	fileWatcher, err := watcher.NewWatcher(configPath, st.AuthDir(), pool, func(newCfg *config.Config) {
		apiServer.ApplyConfig(newCfg)
	})
	if err != nil {
		log.Fatalf("failed to create file watcher: %v", err)
	}

	watcherCtx, watcherCancel := context.WithCancel(context.Background())
	if errWatch := fileWatcher.Start(watcherCtx); errWatch != nil {
		log.Fatalf("failed to start file watcher: %v", errWatch)
	}
	log.Info("file watcher started for config and auth directory changes")

	defer func() {
		watcherCancel()
		if errStop := fileWatcher.Stop(); errStop != nil {
			log.Errorf("error stopping file watcher: %v", errStop)
		}
	}()

	// Set up a channel to listen for OS signals for graceful shutdown.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Background token refresh keeps access tokens fresh so requests almost
	// never block on the token endpoint.
	ctxRefresh, cancelRefresh := context.WithCancel(context.Background())
	var wgRefresh sync.WaitGroup
	wgRefresh.Add(1)
	go func() {
		defer wgRefresh.Done()
		ticker := time.NewTicker(refreshCheckInterval)
		defer ticker.Stop()

		// Initial pass on start so tokens from a long downtime recover
		// before the first request.
		pool.RefreshExpiring(ctxRefresh, refreshLead)
		for {
			select {
			case <-ctxRefresh.Done():
				log.Debug("background token refresh stopped")
				return
			case <-ticker.C:
				pool.RefreshExpiring(ctxRefresh, refreshLead)
			}
		}
	}()

	<-sigChan
	log.Debug("Received shutdown signal. Cleaning up...")

	cancelRefresh()
	wgRefresh.Wait()

	drain := cfg.RequestTimeout()
	if drain <= 0 {
		drain = bootstrapTimeout
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), drain)
	defer cancelShutdown()
	if err = apiServer.Stop(shutdownCtx); err != nil {
		log.Debugf("Error stopping API server: %v", err)
	}

	log.Debug("Cleanup completed. Exiting...")
}
