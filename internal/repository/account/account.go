package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"zerotrace/internal/model"
)

type (
	// Account is what stays on disk between sessions: the public half of
	// the identity and its password-wrapped private half.
	Account struct {
		Username           string               `json:"username"`
		KEMPublicKey       string               `json:"kem_public_key"`
		SignaturePublicKey string               `json:"signature_public_key"`
		Wrapped            model.WrappedKeyBlob `json:"wrapped"`
	}

	FileStore struct {
		dir string
	}
)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(username string) (string, error) {
	if username == "" || strings.ContainsAny(username, `/\`) || username == "." || username == ".." {
		return "", fmt.Errorf("invalid username %q", username)
	}
	return filepath.Join(s.dir, username+".json"), nil
}

// Save writes acc to <dir>/<username>.json, replacing any previous file.
func (s *FileStore) Save(acc *Account) error {
	path, err := s.path(acc.Username)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, b, 0o600)
}

// Load returns model.ErrNotFound when no account file exists for username.
func (s *FileStore) Load(username string) (*Account, error) {
	path, err := s.path(username)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var acc Account
	if err := json.Unmarshal(b, &acc); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", username, err)
	}
	return &acc, nil
}

// CachePath is the sqlite file holding username's message cache.
func (s *FileStore) CachePath(username string) (string, error) {
	path, err := s.path(username)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(path, ".json") + ".db", nil
}

// writeFile writes b to a temp file in the same directory, then renames it
// over path.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
