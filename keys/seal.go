// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	// sealVersion is the first byte of every sealed blob.
	sealVersion = 1

	saltLen  = 16
	nonceLen = 24
	keyLen   = 32

	// sealHeaderLen is version + logN + r + p + salt + nonce.
	sealHeaderLen = 4 + saltLen + nonceLen
)

// ScryptParams are the key-stretching parameters of a sealed seed. They are
// stored alongside the ciphertext.
type ScryptParams struct {
	LogN uint8
	R    uint8
	P    uint8
}

var (
	// DefaultScryptParams are the parameters used for seeds at rest.
	DefaultScryptParams = ScryptParams{LogN: 15, R: 8, P: 1}

	// FastScryptParams are cheap parameters for tests and regtest.
	FastScryptParams = ScryptParams{LogN: 4, R: 8, P: 1}
)

// deriveSealKey stretches the passphrase into a secretbox key.
func deriveSealKey(pass, salt []byte, params ScryptParams) (*[keyLen]byte,
	error) {

	k, err := scrypt.Key(
		pass, salt, 1<<params.LogN, int(params.R), int(params.P), keyLen,
	)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}

	var key [keyLen]byte
	copy(key[:], k)

	return &key, nil
}

// SealSeed encrypts seed under passphrase.
func SealSeed(seed, pass []byte, params ScryptParams) ([]byte, error) {
	var (
		salt  [saltLen]byte
		nonce [nonceLen]byte
	)

	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	key, err := deriveSealKey(pass, salt[:], params)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, sealHeaderLen+len(seed)+secretbox.Overhead)
	out = append(out, sealVersion, params.LogN, params.R, params.P)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)

	return secretbox.Seal(out, seed, &nonce, key), nil
}

// OpenSeed decrypts a blob produced by SealSeed.
func OpenSeed(sealed, pass []byte) ([]byte, error) {
	if len(sealed) < sealHeaderLen+secretbox.Overhead {
		return nil, fmt.Errorf("sealed seed too short")
	}

	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unknown sealed seed version %d",
			sealed[0])
	}

	params := ScryptParams{LogN: sealed[1], R: sealed[2], P: sealed[3]}
	salt := sealed[4 : 4+saltLen]

	var nonce [nonceLen]byte
	copy(nonce[:], sealed[4+saltLen:sealHeaderLen])

	key, err := deriveSealKey(pass, salt, params)
	if err != nil {
		return nil, err
	}

	seed, ok := secretbox.Open(nil, sealed[sealHeaderLen:], &nonce, key)
	if !ok {
		return nil, ErrInvalidPassphrase
	}

	return seed, nil
}
