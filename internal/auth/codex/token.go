// Package codex provides authentication and token management functionality
// for OpenAI's Codex AI services. It handles OAuth2 token storage, serialization,
// and retrieval for maintaining authenticated sessions with the Codex API.
package codex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/router-for-me/codexmux/internal/misc"
)

// TokenSet is the nested credential block of an auth.json file.
type TokenSet struct {
	// IDToken is the JWT ID token containing user claims and identity information.
	IDToken string `json:"id_token,omitempty"`
	// AccessToken is the OAuth2 access token used for authenticating API requests.
	AccessToken string `json:"access_token"`
	// RefreshToken is used to obtain new access tokens when the current one expires.
	RefreshToken string `json:"refresh_token"`
	// AccountID is the OpenAI account identifier associated with this token.
	AccountID string `json:"account_id,omitempty"`
}

// TokenFile mirrors the on-disk auth.json layout written by the codex CLI, so
// an account directory can be seeded by copying ~/.codex/auth.json directly.
type TokenFile struct {
	// Tokens holds the credential material.
	Tokens TokenSet `json:"tokens"`
	// LastRefresh is the RFC3339 timestamp of the last token refresh.
	LastRefresh string `json:"last_refresh,omitempty"`
	// Email is the account email, recorded at login for display purposes.
	Email string `json:"email,omitempty"`
}

// Touch updates LastRefresh to the current time.
func (t *TokenFile) Touch() {
	t.LastRefresh = time.Now().Format(time.RFC3339)
}

// WriteFile persists the token file atomically: the JSON is written to a
// temporary file in the target directory and renamed into place so readers
// never observe a partial write.
func (t *TokenFile) WriteFile(authFilePath string) error {
	misc.LogSavingCredentials(authFilePath)
	dir := filepath.Dir(authFilePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".auth-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err = os.Chmod(tmpPath, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod token file: %w", err)
	}
	if err = os.Rename(tmpPath, authFilePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// ReadTokenFile loads an auth.json from disk.
func ReadTokenFile(authFilePath string) (*TokenFile, error) {
	data, err := os.ReadFile(authFilePath)
	if err != nil {
		return nil, err
	}
	var file TokenFile
	if err = json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", filepath.Base(authFilePath), err)
	}
	return &file, nil
}
