// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcrecovery/keys"
	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/go-playground/validator/v10"
)

// touchpointEntry is a verified contact in the account file.
//
//nolint:lll
type touchpointEntry struct {
	ID    string `json:"id" validate:"required"`
	Kind  string `json:"kind" validate:"required,oneof=email phone"`
	Value string `json:"value" validate:"required"`
}

// accountFile is the on-disk description of the account being recovered.
// The keyset, when present, seeds the store on first use.
//
//nolint:lll
type accountFile struct {
	AccountID       string            `json:"account_id" validate:"required"`
	Network         string            `json:"network" validate:"required"`
	Touchpoints     []touchpointEntry `json:"touchpoints" validate:"dive"`
	AppAuthKey      string            `json:"app_auth_key" validate:"required,hexadecimal"`
	HardwareAuthKey string            `json:"hardware_auth_key" validate:"required,hexadecimal"`
	Keyset          string            `json:"keyset,omitempty" validate:"omitempty,hexadecimal"`
}

// touchpointKinds maps the account file kinds to recovery kinds.
var touchpointKinds = map[string]recovery.TouchpointKind{
	"email": recovery.TouchpointEmail,
	"phone": recovery.TouchpointPhone,
}

// loadAccount reads the account file at path. The keyset is nil when the
// file does not carry one.
func loadAccount(path string, net *chaincfg.Params) (*recovery.AccountContext,
	*keys.Keyset, error) {

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read account file: %w", err)
	}

	var f accountFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("parse account file: %w", err)
	}

	if err := validator.New().Struct(f); err != nil {
		return nil, nil, fmt.Errorf("invalid account file: %w", err)
	}

	if f.Network != net.Name {
		return nil, nil, fmt.Errorf("account lives on %s, not %s",
			f.Network, net.Name)
	}

	appKey, err := parsePubKey(f.AppAuthKey)
	if err != nil {
		return nil, nil, fmt.Errorf("app auth key: %w", err)
	}

	hwKey, err := parsePubKey(f.HardwareAuthKey)
	if err != nil {
		return nil, nil, fmt.Errorf("hardware auth key: %w", err)
	}

	account := &recovery.AccountContext{
		AccountID: f.AccountID,
		Network:   net,
		AuthKeys: recovery.AuthKeys{
			App:      appKey,
			Hardware: hwKey,
		},
	}

	for _, tp := range f.Touchpoints {
		account.Touchpoints = append(account.Touchpoints,
			recovery.Touchpoint{
				ID:    tp.ID,
				Kind:  touchpointKinds[tp.Kind],
				Value: tp.Value,
			})
	}

	if f.Keyset == "" {
		return account, nil, nil
	}

	blob, err := hex.DecodeString(f.Keyset)
	if err != nil {
		return nil, nil, fmt.Errorf("keyset: %w", err)
	}

	ks, err := keys.KeysetFromBytes(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("keyset: %w", err)
	}

	if ks.Network.Name != net.Name {
		return nil, nil, fmt.Errorf("keyset: %w: %s",
			keys.ErrNetworkMismatch, ks.Network.Name)
	}

	return account, ks, nil
}

// parsePubKey decodes a hex encoded public key.
func parsePubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(b)
}

// importKeyset activates the account file's keyset when the store knows of
// no active keyset yet, and returns the active keyset. It returns nil when
// neither has one.
func importKeyset(ctx context.Context, store recovery.KeysetStore,
	accountID string, ks *keys.Keyset) (*keys.Keyset, error) {

	active, err := store.ActiveKeyset(ctx, accountID)
	switch {
	case err == nil:
		return active, nil

	case !errors.Is(err, recovery.ErrKeysetNotFound):
		return nil, err

	case ks == nil:
		return nil, nil
	}

	err = store.ActivateKeyset(ctx, accountID, "import-"+ks.ID, ks)
	if err != nil {
		return nil, fmt.Errorf("import keyset: %w", err)
	}

	mainLog.Infof("Imported keyset %s for account %s", ks.ID, accountID)

	return ks, nil
}
