// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcrecovery/keys"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeAttemptID          tlv.Type = 0
	typeAttemptAccount     tlv.Type = 1
	typeAttemptLost        tlv.Type = 2
	typeAttemptAppKeys     tlv.Type = 3
	typeAttemptHWKeys      tlv.Type = 4
	typeAttemptAttestation tlv.Type = 5
	typeAttemptRecoveryID  tlv.Type = 6
	typeAttemptCreatedAt   tlv.Type = 7
	typeAttemptAllowedAt   tlv.Type = 8
	typeAttemptPhase       tlv.Type = 9
	typeAttemptRetryPhase  tlv.Type = 10
	typeAttemptIdle        tlv.Type = 11
	typeAttemptCause       tlv.Type = 12
	typeAttemptConflict    tlv.Type = 13
	typeAttemptOutcome     tlv.Type = 14
	typeAttemptOutcomeID   tlv.Type = 15
	typeAttemptOutcomeWhy  tlv.Type = 16
	typeAttemptSkipped     tlv.Type = 17
	typeAttemptUpdatedAt   tlv.Type = 18

	typeConflictID        tlv.Type = 0
	typeConflictLost      tlv.Type = 1
	typeConflictInitiated tlv.Type = 2
	typeConflictAllowedAt tlv.Type = 3
)

const (
	skippedCancellation uint8 = 1 << iota
	skippedInitiation
)

// encodeTime stores a time as unix nanoseconds, the zero time as 0.
func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.UnixNano())
}

// decodeTime is the inverse of encodeTime.
func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(0, int64(v)).UTC()
}

// boolByte encodes a flag.
func boolByte(b bool) uint8 {
	if b {
		return 1
	}

	return 0
}

// encodeConflict serializes a conflicting recovery.
func encodeConflict(c ConflictingRecovery) ([]byte, error) {
	id := []byte(c.RecoveryID)
	lost := uint8(c.LostFactor)
	initiated := encodeTime(c.InitiatedAt)
	allowed := encodeTime(c.CompletionAllowedAt)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeConflictID, &id),
		tlv.MakePrimitiveRecord(typeConflictLost, &lost),
		tlv.MakePrimitiveRecord(typeConflictInitiated, &initiated),
		tlv.MakePrimitiveRecord(typeConflictAllowedAt, &allowed),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeConflict is the inverse of encodeConflict.
func decodeConflict(blob []byte) (ConflictingRecovery, error) {
	var (
		id                 []byte
		lost               uint8
		initiated, allowed uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeConflictID, &id),
		tlv.MakePrimitiveRecord(typeConflictLost, &lost),
		tlv.MakePrimitiveRecord(typeConflictInitiated, &initiated),
		tlv.MakePrimitiveRecord(typeConflictAllowedAt, &allowed),
	)
	if err != nil {
		return ConflictingRecovery{}, err
	}

	if err := stream.Decode(bytes.NewReader(blob)); err != nil {
		return ConflictingRecovery{}, err
	}

	return ConflictingRecovery{
		RecoveryID:          string(id),
		LostFactor:          Factor(lost),
		InitiatedAt:         decodeTime(initiated),
		CompletionAllowedAt: decodeTime(allowed),
	}, nil
}

// Encode writes the attempt as a TLV stream. Proofs are never part of it.
func (a *Attempt) Encode(w io.Writer) error {
	var (
		id          = []byte(a.ID)
		account     = []byte(a.AccountID)
		lost        = uint8(a.LostFactor)
		attestation = a.HardwareAttestation
		recoveryID  = []byte(a.ServerRecoveryID.UnwrapOr(""))
		createdAt   = encodeTime(a.CreatedAt)
		allowedAt   = encodeTime(a.CompletionAllowedAt)
		phase       = uint8(a.State.Phase)
		retryPhase  = uint8(a.State.RetryPhase)
		idle        = boolByte(a.State.Idle)
		cause       = []byte(a.State.Cause)
		updatedAt   = encodeTime(a.UpdatedAt)

		appKeys, hwKeys, conflict []byte
		outcomeKind               uint8
		outcomeID, outcomeWhy     []byte
		skipped                   uint8
		err                       error
	)

	if a.DestinationAppKeys != nil {
		appKeys, err = a.DestinationAppKeys.Bytes()
		if err != nil {
			return fmt.Errorf("app keys: %w", err)
		}
	}

	if a.DestinationHardwareKeys != nil {
		hwKeys, err = a.DestinationHardwareKeys.Bytes()
		if err != nil {
			return fmt.Errorf("hardware keys: %w", err)
		}
	}

	if c, ok := optionValue(a.State.Conflict); ok {
		conflict, err = encodeConflict(c)
		if err != nil {
			return fmt.Errorf("conflict: %w", err)
		}
	}

	a.Outcome.WhenSome(func(o Outcome) {
		outcomeKind = uint8(o.Kind)
		outcomeID = []byte(o.KeysetID)
		outcomeWhy = []byte(o.Cause)
	})

	if a.SkippedCancellationVerification {
		skipped |= skippedCancellation
	}

	if a.SkippedInitiationVerification {
		skipped |= skippedInitiation
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAttemptID, &id),
		tlv.MakePrimitiveRecord(typeAttemptAccount, &account),
		tlv.MakePrimitiveRecord(typeAttemptLost, &lost),
		tlv.MakePrimitiveRecord(typeAttemptAppKeys, &appKeys),
		tlv.MakePrimitiveRecord(typeAttemptHWKeys, &hwKeys),
		tlv.MakePrimitiveRecord(typeAttemptAttestation, &attestation),
		tlv.MakePrimitiveRecord(typeAttemptRecoveryID, &recoveryID),
		tlv.MakePrimitiveRecord(typeAttemptCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeAttemptAllowedAt, &allowedAt),
		tlv.MakePrimitiveRecord(typeAttemptPhase, &phase),
		tlv.MakePrimitiveRecord(typeAttemptRetryPhase, &retryPhase),
		tlv.MakePrimitiveRecord(typeAttemptIdle, &idle),
		tlv.MakePrimitiveRecord(typeAttemptCause, &cause),
		tlv.MakePrimitiveRecord(typeAttemptConflict, &conflict),
		tlv.MakePrimitiveRecord(typeAttemptOutcome, &outcomeKind),
		tlv.MakePrimitiveRecord(typeAttemptOutcomeID, &outcomeID),
		tlv.MakePrimitiveRecord(typeAttemptOutcomeWhy, &outcomeWhy),
		tlv.MakePrimitiveRecord(typeAttemptSkipped, &skipped),
		tlv.MakePrimitiveRecord(typeAttemptUpdatedAt, &updatedAt),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeAttempt reads an attempt written by Encode.
func DecodeAttempt(r io.Reader) (*Attempt, error) {
	var (
		id, account, attestation, recoveryID []byte
		appKeys, hwKeys, cause, conflict     []byte
		outcomeID, outcomeWhy                []byte
		lost, phase, retryPhase, idle        uint8
		outcomeKind, skipped                 uint8
		createdAt, allowedAt, updatedAt      uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAttemptID, &id),
		tlv.MakePrimitiveRecord(typeAttemptAccount, &account),
		tlv.MakePrimitiveRecord(typeAttemptLost, &lost),
		tlv.MakePrimitiveRecord(typeAttemptAppKeys, &appKeys),
		tlv.MakePrimitiveRecord(typeAttemptHWKeys, &hwKeys),
		tlv.MakePrimitiveRecord(typeAttemptAttestation, &attestation),
		tlv.MakePrimitiveRecord(typeAttemptRecoveryID, &recoveryID),
		tlv.MakePrimitiveRecord(typeAttemptCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeAttemptAllowedAt, &allowedAt),
		tlv.MakePrimitiveRecord(typeAttemptPhase, &phase),
		tlv.MakePrimitiveRecord(typeAttemptRetryPhase, &retryPhase),
		tlv.MakePrimitiveRecord(typeAttemptIdle, &idle),
		tlv.MakePrimitiveRecord(typeAttemptCause, &cause),
		tlv.MakePrimitiveRecord(typeAttemptConflict, &conflict),
		tlv.MakePrimitiveRecord(typeAttemptOutcome, &outcomeKind),
		tlv.MakePrimitiveRecord(typeAttemptOutcomeID, &outcomeID),
		tlv.MakePrimitiveRecord(typeAttemptOutcomeWhy, &outcomeWhy),
		tlv.MakePrimitiveRecord(typeAttemptSkipped, &skipped),
		tlv.MakePrimitiveRecord(typeAttemptUpdatedAt, &updatedAt),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	a := &Attempt{
		ID:                  string(id),
		AccountID:           string(account),
		LostFactor:          Factor(lost),
		CreatedAt:           decodeTime(createdAt),
		CompletionAllowedAt: decodeTime(allowedAt),
		UpdatedAt:           decodeTime(updatedAt),
		State: State{
			Phase:      Phase(phase),
			RetryPhase: Phase(retryPhase),
			Idle:       idle == 1,
			Cause:      string(cause),
		},
		SkippedCancellationVerification: skipped&
			skippedCancellation != 0,
		SkippedInitiationVerification: skipped&skippedInitiation != 0,
	}

	if !a.State.Phase.Valid() {
		return nil, fmt.Errorf("unknown phase %d", phase)
	}

	if len(attestation) > 0 {
		a.HardwareAttestation = attestation
	}

	if len(recoveryID) > 0 {
		a.ServerRecoveryID = fn.Some(string(recoveryID))
	}

	if len(appKeys) > 0 {
		a.DestinationAppKeys, err = keys.AppKeyBundleFromBytes(appKeys)
		if err != nil {
			return nil, fmt.Errorf("app keys: %w", err)
		}
	}

	if len(hwKeys) > 0 {
		a.DestinationHardwareKeys, err = keys.HardwareKeyBundleFromBytes(
			hwKeys,
		)
		if err != nil {
			return nil, fmt.Errorf("hardware keys: %w", err)
		}
	}

	if len(conflict) > 0 {
		c, err := decodeConflict(conflict)
		if err != nil {
			return nil, fmt.Errorf("conflict: %w", err)
		}

		a.State.Conflict = fn.Some(c)
	}

	if outcomeKind != 0 {
		a.Outcome = fn.Some(Outcome{
			Kind:     OutcomeKind(outcomeKind),
			KeysetID: string(outcomeID),
			Cause:    string(outcomeWhy),
		})
	}

	return a, nil
}

// AttemptBytes serializes an attempt.
func AttemptBytes(a *Attempt) ([]byte, error) {
	var b bytes.Buffer
	if err := a.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// AttemptFromBytes deserializes an attempt.
func AttemptFromBytes(b []byte) (*Attempt, error) {
	return DecodeAttempt(bytes.NewReader(b))
}

// optionValue unpacks an option.
func optionValue[T any](o fn.Option[T]) (T, bool) {
	var (
		v  T
		ok bool
	)
	o.WhenSome(func(t T) {
		v, ok = t, true
	})

	return v, ok
}
