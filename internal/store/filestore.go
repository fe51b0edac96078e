package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/router-for-me/codexmux/internal/auth/codex"
)

const (
	registryFileName = "accounts.yaml"
	tokenFileName    = "auth.json"
	statusFileName   = "status.json"
)

// FileStore keeps accounts as subdirectories of a single auth directory:
//
//	<root>/accounts.yaml     registry with default and ordered names
//	<root>/<name>/auth.json  token file
//	<root>/<name>/status.json
//
// When the registry file is absent the account list is derived by scanning
// subdirectories, sorted by name, with no explicit default.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first write, not here.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Root returns the auth directory this store manages.
func (s *FileStore) Root() string { return s.root }

// AuthDir is Root under the name the service wiring uses for every backend.
func (s *FileStore) AuthDir() string { return s.root }

// AccountDir returns the directory that holds the named account's files.
func (s *FileStore) AccountDir(name string) string {
	return filepath.Join(s.root, name)
}

// LoadOrderedAccounts returns accounts in registry order with the default
// flagged. Registry entries with invalid names or missing directories are
// skipped with a warning so one bad entry cannot take the gateway down.
func (s *FileStore) LoadOrderedAccounts(_ context.Context) ([]AccountRef, error) {
	reg, found, err := s.readRegistry()
	if err != nil {
		return nil, err
	}
	if !found {
		return s.scanAccounts()
	}
	refs := make([]AccountRef, 0, len(reg.Accounts))
	for _, name := range reg.Accounts {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !ValidAccountName(name) {
			log.Warnf("account store: skipping invalid account name %q", name)
			continue
		}
		dir := s.AccountDir(name)
		if info, errStat := os.Stat(dir); errStat != nil || !info.IsDir() {
			log.Warnf("account store: skipping %s, directory missing", name)
			continue
		}
		refs = append(refs, AccountRef{Name: name, Dir: dir, Default: name == reg.Default})
	}
	return refs, nil
}

// scanAccounts lists subdirectories that contain a token file, sorted by name.
func (s *FileStore) scanAccounts() ([]AccountRef, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("account store: read auth dir: %w", err)
	}
	refs := make([]AccountRef, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !ValidAccountName(entry.Name()) {
			continue
		}
		dir := s.AccountDir(entry.Name())
		if _, errStat := os.Stat(filepath.Join(dir, tokenFileName)); errStat != nil {
			continue
		}
		refs = append(refs, AccountRef{Name: entry.Name(), Dir: dir})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// LoadTokens reads dir/auth.json. A missing file is not an error.
func (s *FileStore) LoadTokens(_ context.Context, dir string) (*codex.TokenFile, error) {
	file, err := codex.ReadTokenFile(filepath.Join(dir, tokenFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return file, nil
}

// SaveTokens atomically replaces dir/auth.json.
func (s *FileStore) SaveTokens(_ context.Context, dir string, file *codex.TokenFile) error {
	if file == nil {
		return fmt.Errorf("account store: token file is nil")
	}
	return file.WriteFile(filepath.Join(dir, tokenFileName))
}

// RecordStatus merges patch into <name>/status.json. Unset patch fields keep
// their stored value; zero timestamps and empty error strings delete theirs.
func (s *FileStore) RecordStatus(_ context.Context, name string, patch StatusPatch) error {
	if !ValidAccountName(name) {
		return fmt.Errorf("account store: invalid account name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.AccountDir(name), statusFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("account store: read status: %w", err)
		}
		raw = []byte("{}")
	}
	if raw, err = applyStatusPatch(raw, patch); err != nil {
		return err
	}
	return writeFileAtomic(path, raw, 0o600)
}

// ReadStatus returns the stored status record for name, or a zero record when
// none exists yet.
func (s *FileStore) ReadStatus(_ context.Context, name string) (Status, error) {
	var st Status
	if !ValidAccountName(name) {
		return st, fmt.Errorf("account store: invalid account name %q", name)
	}
	raw, err := os.ReadFile(filepath.Join(s.AccountDir(name), statusFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("account store: read status: %w", err)
	}
	if err = json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("account store: parse status: %w", err)
	}
	return st, nil
}

// RegisterAccount creates the account directory and appends the name to the
// registry. The first registered account becomes the default. Registering an
// existing name is a no-op so login can be re-run safely.
func (s *FileStore) RegisterAccount(_ context.Context, name string) error {
	if !ValidAccountName(name) {
		return fmt.Errorf("account store: invalid account name %q, use letters, digits, - or _", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.materializeRegistry()
	if err != nil {
		return err
	}
	if err = os.MkdirAll(s.AccountDir(name), 0o700); err != nil {
		return fmt.Errorf("account store: create account dir: %w", err)
	}
	for _, existing := range reg.Accounts {
		if existing == name {
			return nil
		}
	}
	reg.Accounts = append(reg.Accounts, name)
	if reg.Default == "" {
		reg.Default = name
	}
	return s.writeRegistryLocked(reg)
}

// RemoveAccount deletes the account directory and drops the name from the
// registry. Removing the default promotes the first remaining account.
func (s *FileStore) RemoveAccount(_ context.Context, name string) error {
	if !ValidAccountName(name) {
		return fmt.Errorf("account store: invalid account name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.materializeRegistry()
	if err != nil {
		return err
	}
	kept := reg.Accounts[:0]
	removed := false
	for _, existing := range reg.Accounts {
		if existing == name {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return fmt.Errorf("account store: unknown account %q", name)
	}
	reg.Accounts = kept
	if reg.Default == name {
		reg.Default = ""
		if len(kept) > 0 {
			reg.Default = kept[0]
		}
	}
	if err = os.RemoveAll(s.AccountDir(name)); err != nil {
		return fmt.Errorf("account store: remove account dir: %w", err)
	}
	return s.writeRegistryLocked(reg)
}

// SetDefault marks name as the default account.
func (s *FileStore) SetDefault(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.materializeRegistry()
	if err != nil {
		return err
	}
	for _, existing := range reg.Accounts {
		if existing == name {
			reg.Default = name
			return s.writeRegistryLocked(reg)
		}
	}
	return fmt.Errorf("account store: unknown account %q", name)
}

func (s *FileStore) readRegistry() (*Registry, bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, registryFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Registry{}, false, nil
		}
		return nil, false, fmt.Errorf("account store: read registry: %w", err)
	}
	var reg Registry
	if err = yaml.Unmarshal(raw, &reg); err != nil {
		return nil, false, fmt.Errorf("account store: parse registry: %w", err)
	}
	return &reg, true, nil
}

// materializeRegistry loads the registry, seeding it from a directory scan
// when the file does not exist yet. Holding the lock is the caller's job.
func (s *FileStore) materializeRegistry() (*Registry, error) {
	reg, found, err := s.readRegistry()
	if err != nil {
		return nil, err
	}
	if found {
		return reg, nil
	}
	refs, err := s.scanAccounts()
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		reg.Accounts = append(reg.Accounts, ref.Name)
	}
	return reg, nil
}

func (s *FileStore) writeRegistryLocked(reg *Registry) error {
	raw, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("account store: marshal registry: %w", err)
	}
	if err = os.MkdirAll(s.root, 0o700); err != nil {
		return fmt.Errorf("account store: create auth dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.root, registryFileName), raw, 0o600)
}

// applyStatusPatch merges patch into the raw JSON status document. sjson
// keeps unknown keys intact so records written by newer builds survive.
func applyStatusPatch(raw []byte, patch StatusPatch) ([]byte, error) {
	var err error
	set := func(key, value string) {
		if err != nil {
			return
		}
		if value == "" {
			raw, err = sjson.DeleteBytes(raw, key)
			return
		}
		raw, err = sjson.SetBytes(raw, key, value)
	}
	setTime := func(key string, t *time.Time) {
		if t == nil {
			return
		}
		if t.IsZero() {
			set(key, "")
			return
		}
		set(key, t.UTC().Format(time.RFC3339))
	}
	setTime("last_attempt_at", patch.LastAttemptAt)
	setTime("last_success_at", patch.LastSuccessAt)
	setTime("last_quota_at", patch.LastQuotaAt)
	setTime("cooldown_until", patch.CooldownUntil)
	if patch.Failures != nil && err == nil {
		raw, err = sjson.SetBytes(raw, "consecutive_failures", *patch.Failures)
	}
	if patch.LastError != nil {
		set("last_error", *patch.LastError)
	}
	if err != nil {
		return nil, fmt.Errorf("account store: patch status: %w", err)
	}
	return raw, nil
}

// writeFileAtomic writes data to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("account store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("account store: write temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("account store: chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("account store: close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("account store: rename temp file: %w", err)
	}
	return nil
}
