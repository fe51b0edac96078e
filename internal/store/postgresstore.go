package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/auth/codex"
)

// PostgresStoreConfig captures configuration for the Postgres-backed store.
type PostgresStoreConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string
	// Schema optionally overrides the schema. Defaults to public.
	Schema string
	// Table optionally overrides the file table name. Defaults to
	// account_files.
	Table string
	// SpoolDir is the local directory the database content is mirrored into.
	SpoolDir string
}

// PostgresStore mirrors the auth directory into a PostgreSQL table so several
// deployments can share one account pool. Every file under the auth directory
// is one row keyed by its slash-relative path. Reads are served from the
// local spool; writes go to the spool first and are then pushed upstream.
type PostgresStore struct {
	db    *sql.DB
	cfg   PostgresStoreConfig
	files *FileStore
	mu    sync.Mutex
}

// NewPostgresStore opens the database connection and prepares the local spool
// directory. Call Bootstrap before serving to pull the remote state down.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: dsn is required")
	}
	cfg.Schema = strings.TrimSpace(cfg.Schema)
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	cfg.Table = strings.TrimSpace(cfg.Table)
	if cfg.Table == "" {
		cfg.Table = "account_files"
	}
	root := strings.TrimSpace(cfg.SpoolDir)
	if root == "" {
		if cwd, err := os.Getwd(); err == nil {
			root = filepath.Join(cwd, "pgstore")
		} else {
			root = filepath.Join(os.TempDir(), "pgstore")
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("postgres store: resolve spool directory: %w", err)
	}
	cfg.SpoolDir = absRoot
	if err = os.MkdirAll(absRoot, 0o700); err != nil {
		return nil, fmt.Errorf("postgres store: create spool directory: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &PostgresStore{db: db, cfg: cfg, files: NewFileStore(absRoot)}, nil
}

// AuthDir returns the local spool directory holding the mirrored account
// files.
func (s *PostgresStore) AuthDir() string { return s.files.Root() }

// Close releases the database connection.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Bootstrap ensures the schema exists and synchronizes the spool with the
// database. An empty table seeds itself from whatever the spool already
// holds, which migrates a plain file deployment in place.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT path, content FROM %s`, s.qualifiedTable()))
	if err != nil {
		return fmt.Errorf("postgres store: list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		var rel, content string
		if err = rows.Scan(&rel, &content); err != nil {
			return fmt.Errorf("postgres store: scan file row: %w", err)
		}
		count++
		local, errPath := s.localPath(rel)
		if errPath != nil {
			log.WithField("path", rel).Warn("postgres store: skip file outside mirror")
			continue
		}
		if err = os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
			return fmt.Errorf("postgres store: prepare mirror subdir: %w", err)
		}
		if err = os.WriteFile(local, normalizeLineEndingsBytes([]byte(content)), 0o600); err != nil {
			return fmt.Errorf("postgres store: write %s: %w", rel, err)
		}
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("postgres store: iterate file rows: %w", err)
	}
	if count == 0 {
		return s.pushSpool(ctx)
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s.cfg.Schema != "public" {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdentifier(s.cfg.Schema))); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		path TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.qualifiedTable())
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres store: create table: %w", err)
	}
	return nil
}

// LoadOrderedAccounts reads the mirrored registry.
func (s *PostgresStore) LoadOrderedAccounts(ctx context.Context) ([]AccountRef, error) {
	return s.files.LoadOrderedAccounts(ctx)
}

// LoadTokens reads the mirrored token file.
func (s *PostgresStore) LoadTokens(ctx context.Context, dir string) (*codex.TokenFile, error) {
	return s.files.LoadTokens(ctx, dir)
}

// SaveTokens writes the token file locally and pushes it to the database.
func (s *PostgresStore) SaveTokens(ctx context.Context, dir string, file *codex.TokenFile) error {
	if err := s.files.SaveTokens(ctx, dir, file); err != nil {
		return err
	}
	return s.pushFile(ctx, filepath.Join(dir, tokenFileName))
}

// RecordStatus writes the status record locally and pushes it to the
// database. Push failures are logged, not returned; status is advisory.
func (s *PostgresStore) RecordStatus(ctx context.Context, name string, patch StatusPatch) error {
	if err := s.files.RecordStatus(ctx, name, patch); err != nil {
		return err
	}
	if err := s.pushFile(ctx, filepath.Join(s.files.AccountDir(name), statusFileName)); err != nil {
		log.WithError(err).Warnf("postgres store: status push for %s failed", name)
	}
	return nil
}

// ReadStatus reads the mirrored status record.
func (s *PostgresStore) ReadStatus(ctx context.Context, name string) (Status, error) {
	return s.files.ReadStatus(ctx, name)
}

// RegisterAccount adds the account locally and pushes the registry.
func (s *PostgresStore) RegisterAccount(ctx context.Context, name string) error {
	if err := s.files.RegisterAccount(ctx, name); err != nil {
		return err
	}
	return s.pushFile(ctx, filepath.Join(s.files.Root(), registryFileName))
}

// RemoveAccount drops the account locally, deletes its rows, and pushes the
// registry.
func (s *PostgresStore) RemoveAccount(ctx context.Context, name string) error {
	if err := s.files.RemoveAccount(ctx, name); err != nil {
		return err
	}
	pattern := name + "/%"
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE path LIKE $1`, s.qualifiedTable()), pattern); err != nil {
		return fmt.Errorf("postgres store: delete account rows: %w", err)
	}
	return s.pushFile(ctx, filepath.Join(s.files.Root(), registryFileName))
}

// SetDefault updates the default locally and pushes the registry.
func (s *PostgresStore) SetDefault(ctx context.Context, name string) error {
	if err := s.files.SetDefault(ctx, name); err != nil {
		return err
	}
	return s.pushFile(ctx, filepath.Join(s.files.Root(), registryFileName))
}

// AccountDir returns the mirrored directory for the named account.
func (s *PostgresStore) AccountDir(name string) string { return s.files.AccountDir(name) }

// pushFile upserts a single mirrored file into the database. A file that no
// longer exists locally deletes its row.
func (s *PostgresStore) pushFile(ctx context.Context, path string) error {
	rel, err := relUnderRoot(s.files.Root(), path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, errDel := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE path = $1`, s.qualifiedTable()), rel); errDel != nil {
				return fmt.Errorf("postgres store: delete %s: %w", rel, errDel)
			}
			return nil
		}
		return fmt.Errorf("postgres store: read %s: %w", rel, err)
	}
	upsert := fmt.Sprintf(`INSERT INTO %s (path, content, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (path) DO UPDATE SET content = EXCLUDED.content, updated_at = now()`, s.qualifiedTable())
	if _, err = s.db.ExecContext(ctx, upsert, rel, string(data)); err != nil {
		return fmt.Errorf("postgres store: upsert %s: %w", rel, err)
	}
	return nil
}

// pushSpool uploads every file currently in the spool directory.
func (s *PostgresStore) pushSpool(ctx context.Context) error {
	root := s.files.Root()
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		return s.pushFile(ctx, path)
	})
}

// localPath maps a stored relative path back into the spool, rejecting
// anything that would escape it.
func (s *PostgresStore) localPath(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("postgres store: invalid path %q", rel)
	}
	return filepath.Join(s.files.Root(), clean), nil
}

func (s *PostgresStore) qualifiedTable() string {
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(s.cfg.Table)
}

func quoteIdentifier(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// relUnderRoot returns path relative to root as a slash path, rejecting
// targets outside the root.
func relUnderRoot(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("store: resolve root: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("store: resolve path: %w", err)
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return "", fmt.Errorf("store: relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("store: path outside mirror")
	}
	return filepath.ToSlash(rel), nil
}
