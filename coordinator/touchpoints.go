// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcrecovery/recovery"
)

const (
	pathChallenges = "/v1/accounts/{account}/notifications/challenges"
	pathChallenge  = pathChallenges + "/{challenge}"
)

// SendCode asks the server to send a verification code to tp.
func (c *Client) SendCode(ctx context.Context, account *recovery.AccountContext,
	tp recovery.Touchpoint, purpose recovery.Purpose) (string, error) {

	var result challengeResponse
	resp, err := c.request(ctx, account.AccountID).
		SetBody(&challengeRequest{
			TouchpointID: tp.ID,
			Kind:         tp.Kind.String(),
			Purpose:      purpose.String(),
		}).
		SetResult(&result).
		Post(pathChallenges)
	if err := classify("send code", resp, err); err != nil {
		return "", err
	}

	if result.ChallengeID == "" {
		return "", fmt.Errorf("send code: %w: missing challenge id",
			recovery.ErrServerRejected)
	}

	log.Debugf("Sent %v code to %v touchpoint %s", purpose, tp.Kind,
		tp.ID)

	return result.ChallengeID, nil
}

// VerifyCode checks a code against its challenge.
func (c *Client) VerifyCode(ctx context.Context,
	account *recovery.AccountContext, challengeID,
	code string) (recovery.CodeResult, error) {

	var result verifyResponse
	resp, err := c.request(ctx, account.AccountID).
		SetPathParam("challenge", challengeID).
		SetBody(&verifyRequest{Code: code}).
		SetResult(&result).
		Put(pathChallenge)

	// A challenge the server dropped can no longer be answered.
	err = classify("verify code", resp, err)
	switch {
	case errors.Is(err, recovery.ErrRecoveryNotFound):
		return recovery.CodeExpired, nil

	case err != nil:
		return 0, err
	}

	res, err := parseCodeResult(result.Result)
	if err != nil {
		return 0, fmt.Errorf("verify code: %w: %v",
			recovery.ErrServerRejected, err)
	}

	return res, nil
}
