// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const (
	// vaultDirPerm restricts the vault directory to the owner.
	vaultDirPerm = 0o700

	// vaultFilePerm restricts sealed seeds to the owner.
	vaultFilePerm = 0o600
)

// validAccountID matches account IDs that are safe to use as file names.
var validAccountID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FileVault keeps sealed app seeds in a directory, one file per account.
type FileVault struct {
	dir    string
	pass   []byte
	params ScryptParams
}

// NewFileVault returns a vault rooted at dir.
func NewFileVault(dir string, pass []byte, params ScryptParams) *FileVault {
	return &FileVault{dir: dir, pass: pass, params: params}
}

// seedPath returns the file holding the account's sealed seed.
func (v *FileVault) seedPath(accountID string) (string, error) {
	if !validAccountID.MatchString(accountID) {
		return "", fmt.Errorf("invalid account id %q", accountID)
	}

	return filepath.Join(v.dir, accountID+".seed"), nil
}

// StoreAppSeed seals and writes the account's app seed, replacing any
// previous one.
func (v *FileVault) StoreAppSeed(_ context.Context, accountID string,
	seed []byte) error {

	path, err := v.seedPath(accountID)
	if err != nil {
		return err
	}

	sealed, err := SealSeed(seed, v.pass, v.params)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(v.dir, vaultDirPerm); err != nil {
		return err
	}

	// Write to a temp file first so a crash never leaves a truncated seed.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, vaultFilePerm); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// LoadAppSeed reads and unseals the account's app seed.
func (v *FileVault) LoadAppSeed(_ context.Context,
	accountID string) ([]byte, error) {

	path, err := v.seedPath(accountID)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- the path is built from a validated account id.
	sealed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSeedNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}

	return OpenSeed(sealed, v.pass)
}
