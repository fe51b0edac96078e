// Package store persists account registrations, token files, and status
// records for the gateway. The default backend is a plain directory tree;
// Postgres, S3-compatible object storage, and git remotes are available as
// mirrored backends that keep the same directory layout in a local spool so
// file-based flows continue to operate.
package store

import (
	"context"
	"regexp"
	"time"

	"github.com/router-for-me/codexmux/internal/auth/codex"
)

// AccountRef identifies one registered account and the directory holding its
// credential files.
type AccountRef struct {
	Name    string
	Dir     string
	Default bool
}

// StatusPatch is a partial update to an account's status record. Nil fields
// are left untouched so callers only describe what changed.
type StatusPatch struct {
	LastAttemptAt *time.Time
	LastSuccessAt *time.Time
	LastQuotaAt   *time.Time
	CooldownUntil *time.Time
	Failures      *int
	LastError     *string
}

// Status is the on-disk status record for an account. Timestamps are RFC 3339
// strings to keep the file readable. All fields are advisory; the pool
// rebuilds its in-memory state from token files alone.
type Status struct {
	LastAttemptAt string `json:"last_attempt_at,omitempty"`
	LastSuccessAt string `json:"last_success_at,omitempty"`
	LastQuotaAt   string `json:"last_quota_at,omitempty"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
	Failures      int    `json:"consecutive_failures,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Store is the persistence contract the account pool consumes.
type Store interface {
	// LoadOrderedAccounts returns registered accounts in registry order with
	// the default account flagged. Accounts whose directory is missing are
	// skipped.
	LoadOrderedAccounts(ctx context.Context) ([]AccountRef, error)
	// LoadTokens reads the token file under dir. A missing file returns
	// (nil, nil); the caller decides whether that drops the account.
	LoadTokens(ctx context.Context, dir string) (*codex.TokenFile, error)
	// SaveTokens atomically replaces the token file under dir.
	SaveTokens(ctx context.Context, dir string, file *codex.TokenFile) error
	// RecordStatus merges patch into the account's status record. Status
	// writes are best-effort; callers must not fail a request on error.
	RecordStatus(ctx context.Context, name string, patch StatusPatch) error
}

// Registry mirrors the accounts.yaml file at the root of the auth directory.
type Registry struct {
	Default  string   `yaml:"default,omitempty"`
	Accounts []string `yaml:"accounts"`
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*ObjectStore)(nil)
	_ Store = (*GitStore)(nil)
)

var accountNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidAccountName reports whether name is safe to use as a directory name.
func ValidAccountName(name string) bool {
	return accountNameRe.MatchString(name)
}
