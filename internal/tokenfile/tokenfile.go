// Package tokenfile reads and writes the bearer credential file: the API
// token plus the owner identity the session resolver keys durable state by.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credential directory.
const DirPerms = 0o700

// Sentinel errors for credential lookup.
var (
	ErrNoCredential = errors.New("tokenfile: no credential (run login or set ONBOARD_SYNC_TOKEN)")
	ErrExpired      = errors.New("tokenfile: credential expired")
)

// Credential is the on-disk format.
type Credential struct {
	Token   *oauth2.Token     `json:"token"`
	OwnerID string            `json:"owner_id,omitempty"`
	BaseURL string            `json:"base_url,omitempty"`
	SavedAt time.Time         `json:"saved_at"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Load reads a credential file. Returns (nil, nil) if the file does not exist.
func Load(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if c.Token == nil || c.Token.AccessToken == "" {
		return nil, fmt.Errorf("tokenfile: %s has no access token", path)
	}

	return &c, nil
}

// Save writes a credential file atomically (write-to-temp + rename) with
// 0600 permissions. Never logs token values.
func Save(path string, c *Credential) error {
	if c == nil || c.Token == nil {
		return errors.New("tokenfile: nothing to save")
	}

	out := *c
	if out.SavedAt.IsZero() {
		out.SavedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory keeps the rename on one filesystem.
	tmp, err := os.CreateTemp(dir, ".credential-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// MergeMeta reads the credential, overwrites the given metadata keys and
// saves it back.
func MergeMeta(path string, meta map[string]string) error {
	c, err := Load(path)
	if err != nil {
		return fmt.Errorf("tokenfile: reading for metadata update: %w", err)
	}

	if c == nil {
		return fmt.Errorf("tokenfile: no credential at %s", path)
	}

	if c.Meta == nil {
		c.Meta = make(map[string]string, len(meta))
	}

	maps.Copy(c.Meta, meta)

	return Save(path, c)
}

// Delete removes the credential file. A missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}

// Resolve picks the bearer token for requests. envToken wins over the
// file. The owner id comes from the file when the token does. A file token
// that has expired is rejected since this client cannot refresh it.
func Resolve(path, envToken string) (oauth2.TokenSource, *Credential, error) {
	if envToken != "" {
		tok := &oauth2.Token{AccessToken: envToken, TokenType: "Bearer"}
		return oauth2.StaticTokenSource(tok), &Credential{Token: tok}, nil
	}

	c, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	if c == nil {
		return nil, nil, ErrNoCredential
	}

	if !c.Token.Expiry.IsZero() && !c.Token.Valid() {
		return nil, nil, fmt.Errorf("%w at %s (expired %s)", ErrExpired, path, c.Token.Expiry.Format(time.RFC3339))
	}

	return oauth2.StaticTokenSource(c.Token), c, nil
}
