// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import "errors"

var (
	// ErrNoDevice is returned by a hardware device driver when no device
	// answered the request. Drivers must return it (possibly wrapped) so
	// callers can tell a missing device apart from other failures.
	ErrNoDevice = errors.New("no hardware device found")

	// ErrTapCancelled is returned by a hardware device driver when the user
	// aborted the physical confirmation.
	ErrTapCancelled = errors.New("hardware confirmation cancelled")

	// ErrKeysetMismatch is returned when a device is asked to sign for a
	// keyset it holds no key for.
	ErrKeysetMismatch = errors.New("device key not part of keyset")

	// ErrNetworkMismatch is returned when the extended keys of a keyset
	// belong to different networks.
	ErrNetworkMismatch = errors.New("extended key network mismatch")

	// ErrInvalidSignature is returned when a signature fails to verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidPassphrase is returned when a sealed seed cannot be opened
	// with the given passphrase.
	ErrInvalidPassphrase = errors.New("invalid passphrase")

	// ErrSeedNotFound is returned by a vault without a seed for the
	// account.
	ErrSeedNotFound = errors.New("app seed not found")

	// ErrUnknownNetwork is returned when decoding a keyset for a network
	// this package does not know.
	ErrUnknownNetwork = errors.New("unknown network")
)
