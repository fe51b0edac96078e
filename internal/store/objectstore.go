package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/auth/codex"
)

// ObjectStoreConfig captures configuration for the object storage-backed
// store.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	LocalRoot string
	UseSSL    bool
	PathStyle bool
}

// ObjectStore mirrors the auth directory into an S3-compatible bucket.
// Files are mirrored to a local spool so file-based flows continue to
// operate; object keys are the slash-relative paths under the auth
// directory, below the configured prefix.
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	files  *FileStore
	mu     sync.Mutex
}

// NewObjectStore initializes an object storage backed store.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: secret key is required")
	}

	root := strings.TrimSpace(cfg.LocalRoot)
	if root == "" {
		if cwd, err := os.Getwd(); err == nil {
			root = filepath.Join(cwd, "objectstore")
		} else {
			root = filepath.Join(os.TempDir(), "objectstore")
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("object store: resolve spool directory: %w", err)
	}
	cfg.LocalRoot = absRoot
	if err = os.MkdirAll(absRoot, 0o700); err != nil {
		return nil, fmt.Errorf("object store: create spool directory: %w", err)
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectStore{client: client, cfg: cfg, files: NewFileStore(absRoot)}, nil
}

// AuthDir returns the local spool directory holding the mirrored account
// files.
func (s *ObjectStore) AuthDir() string { return s.files.Root() }

// Bootstrap ensures the bucket exists and pulls every object under the
// prefix into the spool. An empty prefix pushes local files up instead.
func (s *ObjectStore) Bootstrap(ctx context.Context) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	// The spool is overwritten incrementally rather than wiped. Wiping
	// triggers file watcher delete events that would propagate deletions
	// back to the bucket.
	prefix := s.prefixedKey("")
	if prefix != "" {
		prefix += "/"
	}
	count := 0
	objectCh := s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for object := range objectCh {
		if object.Err != nil {
			return fmt.Errorf("object store: list objects: %w", object.Err)
		}
		rel := strings.TrimPrefix(object.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		count++
		local, errPath := s.localPath(rel)
		if errPath != nil {
			log.WithField("key", object.Key).Warn("object store: skip object outside mirror")
			continue
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
			return fmt.Errorf("object store: prepare mirror subdir: %w", err)
		}
		reader, errGet := s.client.GetObject(ctx, s.cfg.Bucket, object.Key, minio.GetObjectOptions{})
		if errGet != nil {
			return fmt.Errorf("object store: download %s: %w", object.Key, errGet)
		}
		data, errRead := io.ReadAll(reader)
		_ = reader.Close()
		if errRead != nil {
			return fmt.Errorf("object store: read %s: %w", object.Key, errRead)
		}
		if errWrite := os.WriteFile(local, data, 0o600); errWrite != nil {
			return fmt.Errorf("object store: write %s: %w", local, errWrite)
		}
	}
	if count == 0 {
		return s.pushSpool(ctx)
	}
	return nil
}

func (s *ObjectStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

// LoadOrderedAccounts reads the mirrored registry.
func (s *ObjectStore) LoadOrderedAccounts(ctx context.Context) ([]AccountRef, error) {
	return s.files.LoadOrderedAccounts(ctx)
}

// LoadTokens reads the mirrored token file.
func (s *ObjectStore) LoadTokens(ctx context.Context, dir string) (*codex.TokenFile, error) {
	return s.files.LoadTokens(ctx, dir)
}

// SaveTokens writes the token file locally and uploads it.
func (s *ObjectStore) SaveTokens(ctx context.Context, dir string, file *codex.TokenFile) error {
	if err := s.files.SaveTokens(ctx, dir, file); err != nil {
		return err
	}
	return s.pushFile(ctx, filepath.Join(dir, tokenFileName), "application/json")
}

// RecordStatus writes the status record locally and uploads it. Upload
// failures are logged, not returned; status is advisory.
func (s *ObjectStore) RecordStatus(ctx context.Context, name string, patch StatusPatch) error {
	if err := s.files.RecordStatus(ctx, name, patch); err != nil {
		return err
	}
	if err := s.pushFile(ctx, filepath.Join(s.files.AccountDir(name), statusFileName), "application/json"); err != nil {
		log.WithError(err).Warnf("object store: status upload for %s failed", name)
	}
	return nil
}

// ReadStatus reads the mirrored status record.
func (s *ObjectStore) ReadStatus(ctx context.Context, name string) (Status, error) {
	return s.files.ReadStatus(ctx, name)
}

// RegisterAccount adds the account locally and uploads the registry.
func (s *ObjectStore) RegisterAccount(ctx context.Context, name string) error {
	if err := s.files.RegisterAccount(ctx, name); err != nil {
		return err
	}
	return s.pushFile(ctx, filepath.Join(s.files.Root(), registryFileName), "application/x-yaml")
}

// RemoveAccount drops the account locally, deletes its objects, and uploads
// the registry.
func (s *ObjectStore) RemoveAccount(ctx context.Context, name string) error {
	if err := s.files.RemoveAccount(ctx, name); err != nil {
		return err
	}
	for _, base := range []string{tokenFileName, statusFileName} {
		if err := s.deleteObject(ctx, name+"/"+base); err != nil {
			return err
		}
	}
	return s.pushFile(ctx, filepath.Join(s.files.Root(), registryFileName), "application/x-yaml")
}

// SetDefault updates the default locally and uploads the registry.
func (s *ObjectStore) SetDefault(ctx context.Context, name string) error {
	if err := s.files.SetDefault(ctx, name); err != nil {
		return err
	}
	return s.pushFile(ctx, filepath.Join(s.files.Root(), registryFileName), "application/x-yaml")
}

// AccountDir returns the mirrored directory for the named account.
func (s *ObjectStore) AccountDir(name string) string { return s.files.AccountDir(name) }

// pushFile uploads a single mirrored file. A file that no longer exists
// locally deletes its object.
func (s *ObjectStore) pushFile(ctx context.Context, path, contentType string) error {
	rel, err := relUnderRoot(s.files.Root(), path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.deleteObject(ctx, rel)
		}
		return fmt.Errorf("object store: read %s: %w", rel, err)
	}
	if len(data) == 0 {
		return s.deleteObject(ctx, rel)
	}
	key := s.prefixedKey(rel)
	reader := bytes.NewReader(data)
	if _, err = s.client.PutObject(ctx, s.cfg.Bucket, key, reader, int64(len(data)), minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("object store: put object %s: %w", key, err)
	}
	return nil
}

// pushSpool uploads every file currently in the spool directory.
func (s *ObjectStore) pushSpool(ctx context.Context) error {
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
		contentType := "application/json"
		if strings.HasSuffix(d.Name(), ".yaml") {
			contentType = "application/x-yaml"
		}
		return s.pushFile(ctx, path, contentType)
	})
}

func (s *ObjectStore) deleteObject(ctx context.Context, rel string) error {
	key := s.prefixedKey(rel)
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isObjectNotFound(err) {
			return nil
		}
		return fmt.Errorf("object store: delete object %s: %w", key, err)
	}
	return nil
}

// localPath maps an object key suffix back into the spool, rejecting
// anything that would escape it.
func (s *ObjectStore) localPath(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("object store: invalid key %q", rel)
	}
	return filepath.Join(s.files.Root(), clean), nil
}

func (s *ObjectStore) prefixedKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimLeft(s.cfg.Prefix+"/"+key, "/")
}

func normalizeLineEndingsBytes(data []byte) []byte {
	replaced := bytes.ReplaceAll(data, []byte{'\r', '\n'}, []byte{'\n'})
	return bytes.ReplaceAll(replaced, []byte{'\r'}, []byte{'\n'})
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
