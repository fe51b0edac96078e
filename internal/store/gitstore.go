package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	gitconfig "github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	githttp "github.com/go-git/go-git/v6/plumbing/transport/http"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/auth/codex"
)

// gcInterval defines minimum time between garbage collection runs.
const gcInterval = 5 * time.Minute

// GitStore mirrors the auth directory into a git repository. The working
// tree doubles as the local spool, so file-based flows keep operating while
// every write lands as a commit and push. History is squashed to a single
// commit after each write; credential history in a remote is a liability.
type GitStore struct {
	mu       sync.Mutex
	repoDir  string
	remote   string
	username string
	password string
	files    *FileStore
	lastGC   time.Time
}

// NewGitStore returns a store that clones remote into localRoot and keeps it
// in sync. Call Bootstrap before serving.
func NewGitStore(remote, username, password, localRoot string) (*GitStore, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return nil, fmt.Errorf("git store: remote is required")
	}
	root := strings.TrimSpace(localRoot)
	if root == "" {
		if cwd, err := os.Getwd(); err == nil {
			root = filepath.Join(cwd, "gitstore")
		} else {
			root = filepath.Join(os.TempDir(), "gitstore")
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("git store: resolve repo directory: %w", err)
	}
	return &GitStore{
		repoDir:  absRoot,
		remote:   remote,
		username: username,
		password: password,
		files:    NewFileStore(absRoot),
	}, nil
}

// AuthDir returns the working tree directory holding the mirrored account
// files.
func (s *GitStore) AuthDir() string { return s.files.Root() }

// Bootstrap prepares the working tree by cloning or pulling the remote. An
// empty remote repository is initialized with a placeholder commit.
func (s *GitStore) Bootstrap(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gitDir := filepath.Join(s.repoDir, ".git")
	authMethod := s.gitAuth()
	var initPaths []string
	if _, err := os.Stat(gitDir); errors.Is(err, fs.ErrNotExist) {
		if errMk := os.MkdirAll(s.repoDir, 0o700); errMk != nil {
			return fmt.Errorf("git store: create repo dir: %w", errMk)
		}
		if _, errClone := git.PlainClone(s.repoDir, &git.CloneOptions{Auth: authMethod, URL: s.remote}); errClone != nil {
			if !errors.Is(errClone, transport.ErrEmptyRemoteRepository) {
				return fmt.Errorf("git store: clone remote: %w", errClone)
			}
			_ = os.RemoveAll(gitDir)
			repo, errInit := git.PlainInit(s.repoDir, false)
			if errInit != nil {
				return fmt.Errorf("git store: init empty repo: %w", errInit)
			}
			if _, errRemote := repo.Remote("origin"); errRemote != nil {
				if _, errCreate := repo.CreateRemote(&gitconfig.RemoteConfig{
					Name: "origin",
					URLs: []string{s.remote},
				}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
					return fmt.Errorf("git store: configure remote: %w", errCreate)
				}
			}
			if errSeed := ensureEmptyFile(filepath.Join(s.repoDir, ".gitkeep")); errSeed != nil {
				return fmt.Errorf("git store: create placeholder: %w", errSeed)
			}
			initPaths = []string{".gitkeep"}
		}
	} else if err != nil {
		return fmt.Errorf("git store: stat repo: %w", err)
	} else {
		repo, errOpen := git.PlainOpen(s.repoDir)
		if errOpen != nil {
			return fmt.Errorf("git store: open repo: %w", errOpen)
		}
		worktree, errWorktree := repo.Worktree()
		if errWorktree != nil {
			return fmt.Errorf("git store: worktree: %w", errWorktree)
		}
		if errPull := worktree.Pull(&git.PullOptions{Auth: authMethod, RemoteName: "origin"}); errPull != nil {
			switch {
			case errors.Is(errPull, git.NoErrAlreadyUpToDate),
				errors.Is(errPull, git.ErrUnstagedChanges),
				errors.Is(errPull, git.ErrNonFastForwardUpdate):
				// Clean syncs, local edits, and remote divergence are all
				// fine. Local changes win.
			case errors.Is(errPull, transport.ErrAuthenticationRequired),
				errors.Is(errPull, plumbing.ErrReferenceNotFound),
				errors.Is(errPull, transport.ErrEmptyRemoteRepository):
				// Empty remote references on initial sync are fine too.
			default:
				return fmt.Errorf("git store: pull: %w", errPull)
			}
		}
	}
	if len(initPaths) > 0 {
		return s.commitAndPushLocked("Initialize account store", initPaths...)
	}
	return nil
}

// LoadOrderedAccounts reads the mirrored registry.
func (s *GitStore) LoadOrderedAccounts(ctx context.Context) ([]AccountRef, error) {
	return s.files.LoadOrderedAccounts(ctx)
}

// LoadTokens reads the mirrored token file.
func (s *GitStore) LoadTokens(ctx context.Context, dir string) (*codex.TokenFile, error) {
	return s.files.LoadTokens(ctx, dir)
}

// SaveTokens writes the token file locally and commits it.
func (s *GitStore) SaveTokens(ctx context.Context, dir string, file *codex.TokenFile) error {
	if err := s.files.SaveTokens(ctx, dir, file); err != nil {
		return err
	}
	name := filepath.Base(dir)
	return s.commitPaths(fmt.Sprintf("Update tokens for %s", name), filepath.Join(dir, tokenFileName))
}

// RecordStatus writes the status record locally and commits it. Commit and
// push failures are logged, not returned; status is advisory.
func (s *GitStore) RecordStatus(ctx context.Context, name string, patch StatusPatch) error {
	if err := s.files.RecordStatus(ctx, name, patch); err != nil {
		return err
	}
	path := filepath.Join(s.files.AccountDir(name), statusFileName)
	if err := s.commitPaths(fmt.Sprintf("Update status for %s", name), path); err != nil {
		log.WithError(err).Warnf("git store: status commit for %s failed", name)
	}
	return nil
}

// ReadStatus reads the mirrored status record.
func (s *GitStore) ReadStatus(ctx context.Context, name string) (Status, error) {
	return s.files.ReadStatus(ctx, name)
}

// RegisterAccount adds the account locally and commits the registry.
func (s *GitStore) RegisterAccount(ctx context.Context, name string) error {
	if err := s.files.RegisterAccount(ctx, name); err != nil {
		return err
	}
	return s.commitPaths(fmt.Sprintf("Register account %s", name), filepath.Join(s.repoDir, registryFileName))
}

// RemoveAccount drops the account locally and commits the deletion.
func (s *GitStore) RemoveAccount(ctx context.Context, name string) error {
	if err := s.files.RemoveAccount(ctx, name); err != nil {
		return err
	}
	return s.commitPaths(fmt.Sprintf("Remove account %s", name),
		filepath.Join(s.repoDir, registryFileName),
		filepath.Join(s.files.AccountDir(name), tokenFileName),
		filepath.Join(s.files.AccountDir(name), statusFileName))
}

// SetDefault updates the default locally and commits the registry.
func (s *GitStore) SetDefault(ctx context.Context, name string) error {
	if err := s.files.SetDefault(ctx, name); err != nil {
		return err
	}
	return s.commitPaths(fmt.Sprintf("Set default account %s", name), filepath.Join(s.repoDir, registryFileName))
}

// AccountDir returns the mirrored directory for the named account.
func (s *GitStore) AccountDir(name string) string { return s.files.AccountDir(name) }

// commitPaths stages the given absolute paths, commits, and pushes.
func (s *GitStore) commitPaths(message string, paths ...string) error {
	rels := make([]string, 0, len(paths))
	for _, path := range paths {
		rel, err := relUnderRoot(s.repoDir, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.FromSlash(rel))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitAndPushLocked(message, rels...)
}

func (s *GitStore) commitAndPushLocked(message string, relPaths ...string) error {
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	added := false
	for _, rel := range relPaths {
		if strings.TrimSpace(rel) == "" {
			continue
		}
		if _, err = worktree.Add(rel); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if _, errRemove := worktree.Remove(rel); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
					return fmt.Errorf("git store: remove %s: %w", rel, errRemove)
				}
			} else {
				return fmt.Errorf("git store: add %s: %w", rel, err)
			}
		}
		added = true
	}
	if !added {
		return nil
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	if strings.TrimSpace(message) == "" {
		message = "Update account store"
	}
	signature := &object.Signature{
		Name:  "codexmux",
		Email: "codexmux@local",
		When:  time.Now(),
	}
	commitHash, err := worktree.Commit(message, &git.CommitOptions{Author: signature})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git store: commit: %w", err)
	}
	headRef, errHead := repo.Head()
	if errHead != nil {
		if !errors.Is(errHead, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("git store: get head: %w", errHead)
		}
	} else if errRewrite := s.rewriteHeadAsSingleCommit(repo, headRef.Name(), commitHash, message, signature); errRewrite != nil {
		return errRewrite
	}
	s.maybeRunGC(repo)
	if err = repo.Push(&git.PushOptions{Auth: s.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git store: push: %w", err)
	}
	return nil
}

// rewriteHeadAsSingleCommit rewrites the current branch tip to a single
// parentless commit, leaving history squashed.
func (s *GitStore) rewriteHeadAsSingleCommit(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git store: inspect head commit: %w", err)
	}
	squashed := &object.Commit{
		Author:       *signature,
		Committer:    *signature,
		Message:      message,
		TreeHash:     commitObj.TreeHash,
		ParentHashes: nil,
		Encoding:     commitObj.Encoding,
		ExtraHeaders: commitObj.ExtraHeaders,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err := squashed.Encode(mem); err != nil {
		return fmt.Errorf("git store: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git store: write squashed commit: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash)); err != nil {
		return fmt.Errorf("git store: update branch reference: %w", err)
	}
	return nil
}

func (s *GitStore) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(s.lastGC) < gcInterval {
		return
	}
	s.lastGC = now

	pruneOpts := git.PruneOptions{
		OnlyObjectsOlderThan: now,
		Handler:              repo.DeleteObject,
	}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		return
	}
	_ = repo.RepackObjects(&git.RepackConfig{})
}

func (s *GitStore) gitAuth() transport.AuthMethod {
	if s.username == "" && s.password == "" {
		return nil
	}
	user := s.username
	if user == "" {
		user = "git"
	}
	return &githttp.BasicAuth{Username: user, Password: s.password}
}

func ensureEmptyFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return os.WriteFile(path, []byte{}, 0o600)
		}
		return err
	}
	return nil
}
