// Package main provides the entry point for the CodexMux gateway.
// The gateway multiplexes one local AI coding CLI across a pool of OAuth
// ChatGPT/Codex accounts: it terminates the CLI's requests on a loopback
// listener, picks an account, rewrites credentials, and relays the upstream
// response stream back unchanged.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/codexmux/internal/buildinfo"
	"github.com/router-for-me/codexmux/internal/cmd"
	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/logging"
	"github.com/router-for-me/codexmux/internal/misc"
	"github.com/router-for-me/codexmux/internal/store"
	"github.com/router-for-me/codexmux/internal/tui"
	"github.com/router-for-me/codexmux/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

// main parses command-line flags, loads configuration, selects the account
// store backend, and dispatches to the requested mode: login, account
// management, status dashboard, or the gateway service itself.
func main() {
	fmt.Printf("CodexMux Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	// Command-line flags to control the application's behavior.
	var login bool
	var noBrowser bool
	var oauthCallbackPort int
	var accountName string
	var listAccounts bool
	var removeAccount string
	var setDefaultAccount string
	var configPath string
	var tuiMode bool

	flag.BoolVar(&login, "login", false, "Login to ChatGPT/Codex using OAuth")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.IntVar(&oauthCallbackPort, "oauth-callback-port", 0, "Override OAuth callback port (defaults to 1455)")
	flag.StringVar(&accountName, "account", "", "Account name for -login (defaults to a name derived from the email)")
	flag.BoolVar(&listAccounts, "list", false, "List registered accounts")
	flag.StringVar(&removeAccount, "remove", "", "Remove the named account and its credentials")
	flag.StringVar(&setDefaultAccount, "set-default", "", "Set the named account as the pool default")
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&tuiMode, "tui", false, "Show the live account status dashboard")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	lookupEnv := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := os.LookupEnv(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}

	var (
		usePostgresStore     bool
		pgStoreDSN           string
		pgStoreSchema        string
		pgStoreLocalPath     string
		useObjectStore       bool
		objectStoreEndpoint  string
		objectStoreAccess    string
		objectStoreSecret    string
		objectStoreBucket    string
		objectStoreLocalPath string
		useGitStore          bool
		gitStoreRemoteURL    string
		gitStoreUser         string
		gitStorePassword     string
		gitStoreLocalPath    string
	)

	writableBase := util.WritablePath()
	if value, ok := lookupEnv("PGSTORE_DSN", "pgstore_dsn"); ok {
		usePostgresStore = true
		pgStoreDSN = value
	}
	if value, ok := lookupEnv("PGSTORE_SCHEMA", "pgstore_schema"); ok {
		pgStoreSchema = value
	}
	if value, ok := lookupEnv("PGSTORE_LOCAL_PATH", "pgstore_local_path"); ok {
		pgStoreLocalPath = value
	}
	if value, ok := lookupEnv("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		useObjectStore = true
		objectStoreEndpoint = value
	}
	if value, ok := lookupEnv("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key"); ok {
		objectStoreAccess = value
	}
	if value, ok := lookupEnv("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key"); ok {
		objectStoreSecret = value
	}
	if value, ok := lookupEnv("OBJECTSTORE_BUCKET", "objectstore_bucket"); ok {
		objectStoreBucket = value
	}
	if value, ok := lookupEnv("OBJECTSTORE_LOCAL_PATH", "objectstore_local_path"); ok {
		objectStoreLocalPath = value
	}
	if value, ok := lookupEnv("GITSTORE_GIT_URL", "gitstore_git_url"); ok {
		useGitStore = true
		gitStoreRemoteURL = value
	}
	if value, ok := lookupEnv("GITSTORE_GIT_USERNAME", "gitstore_git_username"); ok {
		gitStoreUser = value
	}
	if value, ok := lookupEnv("GITSTORE_GIT_TOKEN", "gitstore_git_token"); ok {
		gitStorePassword = value
	}
	if value, ok := lookupEnv("GITSTORE_LOCAL_PATH", "gitstore_local_path"); ok {
		gitStoreLocalPath = value
	}

	// Determine and load the configuration file. An explicit -config path
	// must exist; the default location is bootstrapped from the shipped
	// template on first run, or falls back to the built-in defaults.
	configFilePath := configPath
	optional := false
	if configFilePath == "" {
		configFilePath = filepath.Join(wd, "config.yaml")
		optional = true
		if _, errStat := os.Stat(configFilePath); errors.Is(errStat, os.ErrNotExist) {
			examplePath := filepath.Join(wd, "config.example.yaml")
			if _, errExample := os.Stat(examplePath); errExample == nil {
				if errCopy := misc.CopyConfigTemplate(examplePath, configFilePath); errCopy != nil {
					log.Warnf("failed to bootstrap config from template: %v", errCopy)
				} else {
					log.Infof("config initialized from template: %s", configFilePath)
				}
			}
		}
	}
	cfg, err := config.LoadConfigOptional(configFilePath, optional)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}

	log.Infof("CodexMux Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	// Set the log level based on the configuration.
	util.SetLogLevel(cfg)

	resolvedAuthDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		log.Errorf("failed to resolve auth directory: %v", err)
		return
	}
	cfg.AuthDir = resolvedAuthDir

	localBase := writableBase
	if localBase == "" {
		localBase = wd
	}

	// Select the account store backend. Remote backends mirror their state
	// into a local spool directory, which then takes over as the auth dir.
	var st cmd.Store
	if usePostgresStore {
		if pgStoreLocalPath == "" {
			pgStoreLocalPath = localBase
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pgStore, errStore := store.NewPostgresStore(ctx, store.PostgresStoreConfig{
			DSN:      pgStoreDSN,
			Schema:   pgStoreSchema,
			SpoolDir: filepath.Join(pgStoreLocalPath, "pgstore"),
		})
		if errStore != nil {
			cancel()
			log.Errorf("failed to initialize postgres account store: %v", errStore)
			return
		}
		if errBootstrap := pgStore.Bootstrap(ctx); errBootstrap != nil {
			cancel()
			log.Errorf("failed to bootstrap postgres account store: %v", errBootstrap)
			return
		}
		cancel()
		st = pgStore
		log.Infof("postgres-backed account store enabled, spool path: %s", pgStore.AuthDir())
	} else if useObjectStore {
		if objectStoreLocalPath == "" {
			objectStoreLocalPath = localBase
		}
		resolvedEndpoint, useSSL, errEndpoint := resolveObjectEndpoint(objectStoreEndpoint)
		if errEndpoint != nil {
			log.Errorf("failed to parse object store endpoint %q: %v", objectStoreEndpoint, errEndpoint)
			return
		}
		objStore, errStore := store.NewObjectStore(store.ObjectStoreConfig{
			Endpoint:  resolvedEndpoint,
			Bucket:    objectStoreBucket,
			AccessKey: objectStoreAccess,
			SecretKey: objectStoreSecret,
			LocalRoot: filepath.Join(objectStoreLocalPath, "objectstore"),
			UseSSL:    useSSL,
			PathStyle: true,
		})
		if errStore != nil {
			log.Errorf("failed to initialize object account store: %v", errStore)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if errBootstrap := objStore.Bootstrap(ctx); errBootstrap != nil {
			cancel()
			log.Errorf("failed to bootstrap object account store: %v", errBootstrap)
			return
		}
		cancel()
		st = objStore
		log.Infof("object-backed account store enabled, bucket: %s", objectStoreBucket)
	} else if useGitStore {
		if gitStoreLocalPath == "" {
			gitStoreLocalPath = localBase
		}
		gitStore, errStore := store.NewGitStore(gitStoreRemoteURL, gitStoreUser, gitStorePassword, filepath.Join(gitStoreLocalPath, "gitstore"))
		if errStore != nil {
			log.Errorf("failed to initialize git account store: %v", errStore)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if errBootstrap := gitStore.Bootstrap(ctx); errBootstrap != nil {
			cancel()
			log.Errorf("failed to bootstrap git account store: %v", errBootstrap)
			return
		}
		cancel()
		st = gitStore
		log.Infof("git-backed account store enabled, repository path: %s", gitStore.AuthDir())
	} else {
		st = store.NewFileStore(cfg.AuthDir)
	}
	// Remote backends spool under their own directory; everything downstream
	// (pool, watcher, login) must use it as the auth dir.
	cfg.AuthDir = st.AuthDir()

	options := &cmd.LoginOptions{
		NoBrowser:    noBrowser,
		CallbackPort: oauthCallbackPort,
		AccountName:  accountName,
	}

	// Handle different command modes based on the provided flags.
	if login {
		cmd.DoCodexLogin(cfg, st, options)
	} else if listAccounts {
		cmd.DoListAccounts(st)
	} else if removeAccount != "" {
		cmd.DoRemoveAccount(st, removeAccount)
	} else if setDefaultAccount != "" {
		cmd.DoSetDefaultAccount(st, setDefaultAccount)
	} else if tuiMode {
		if errRun := tui.Run(st); errRun != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", errRun)
			os.Exit(1)
		}
	} else {
		// Start the gateway service.
		cmd.StartService(cfg, st, configFilePath)
	}
}

// resolveObjectEndpoint strips an optional scheme off the configured object
// store endpoint and reports whether TLS should be used. Bare host:port
// endpoints default to TLS.
func resolveObjectEndpoint(endpoint string) (string, bool, error) {
	resolved := strings.TrimSpace(endpoint)
	useSSL := true
	if strings.Contains(resolved, "://") {
		parsed, err := url.Parse(resolved)
		if err != nil {
			return "", false, err
		}
		switch strings.ToLower(parsed.Scheme) {
		case "http":
			useSSL = false
		case "https":
			useSSL = true
		default:
			return "", false, fmt.Errorf("unsupported scheme %q (only http and https are allowed)", parsed.Scheme)
		}
		if parsed.Host == "" {
			return "", false, fmt.Errorf("endpoint is missing host information")
		}
		resolved = parsed.Host
		if parsed.Path != "" && parsed.Path != "/" {
			resolved = strings.TrimSuffix(parsed.Host+parsed.Path, "/")
		}
	}
	return strings.TrimRight(resolved, "/"), useSSL, nil
}
