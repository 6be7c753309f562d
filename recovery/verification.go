// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultMaxCodeAttempts is how many wrong codes a verification
	// tolerates.
	DefaultMaxCodeAttempts = 3

	// DefaultMaxCodeResends is how many times an expired code is
	// replaced.
	DefaultMaxCodeResends = 2
)

// VerifyResult describes a finished verification.
type VerifyResult struct {
	// Skipped is set when the account has no usable touchpoint and the
	// caller allowed skipping.
	Skipped bool

	// Touchpoint is where the code was sent.
	Touchpoint Touchpoint
}

// VerificationGate runs the out-of-band code verification the server can
// demand before cancelling or initiating a recovery. Purposes are
// independent: a verification for one never satisfies another.
type VerificationGate struct {
	service  TouchpointService
	prompter Prompter
	validate *validator.Validate

	maxAttempts int
	maxResends  int
}

// NewVerificationGate creates a gate. Non-positive limits take the
// defaults.
func NewVerificationGate(service TouchpointService, prompter Prompter,
	maxAttempts, maxResends int) *VerificationGate {

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCodeAttempts
	}

	if maxResends <= 0 {
		maxResends = DefaultMaxCodeResends
	}

	return &VerificationGate{
		service:     service,
		prompter:    prompter,
		validate:    validator.New(),
		maxAttempts: maxAttempts,
		maxResends:  maxResends,
	}
}

// touchpoint returns the first touchpoint of the account with a well-formed
// address.
func (g *VerificationGate) touchpoint(account *AccountContext) (Touchpoint,
	bool) {

	for _, tp := range account.Touchpoints {
		var tag string
		switch tp.Kind {
		case TouchpointEmail:
			tag = "required,email"

		case TouchpointPhone:
			tag = "required,e164"

		default:
			continue
		}

		if err := g.validate.Var(tp.Value, tag); err != nil {
			log.Warnf("Ignoring malformed %v touchpoint %s: %v",
				tp.Kind, tp.ID, err)

			continue
		}

		return tp, true
	}

	return Touchpoint{}, false
}

// Verify sends a code for purpose, prompts the user for it and checks it.
// Wrong codes are re-prompted and expired codes re-sent, each up to the
// gate's limit.
func (g *VerificationGate) Verify(ctx context.Context, account *AccountContext,
	purpose Purpose, allowSkip bool) (*VerifyResult, error) {

	tp, ok := g.touchpoint(account)
	if !ok {
		if !allowSkip {
			return nil, ErrNoTouchpoint
		}

		log.Infof("Skipping %v verification for account %s: no "+
			"touchpoint on file", purpose, account.AccountID)

		return &VerifyResult{Skipped: true}, nil
	}

	if g.service == nil || g.prompter == nil {
		return nil, errors.New("verification not configured")
	}

	challengeID, err := g.service.SendCode(ctx, account, tp, purpose)
	if err != nil {
		return nil, fmt.Errorf("send code: %w", err)
	}

	var attempts, resends int
	for {
		code, err := g.prompter.EnterCode(ctx, tp, purpose)
		if err != nil {
			return nil, err
		}

		result, err := g.service.VerifyCode(
			ctx, account, challengeID, code,
		)
		if err != nil {
			return nil, fmt.Errorf("verify code: %w", err)
		}

		switch result {
		case CodeOk:
			log.Infof("Verified %v for account %s via %v", purpose,
				account.AccountID, tp.Kind)

			return &VerifyResult{Touchpoint: tp}, nil

		case CodeInvalid:
			attempts++
			if attempts >= g.maxAttempts {
				return nil, fmt.Errorf("%w: %d invalid codes",
					ErrVerificationFailed, attempts)
			}

			log.Debugf("Invalid code for %v (%d/%d)", purpose,
				attempts, g.maxAttempts)

		case CodeExpired:
			resends++
			if resends > g.maxResends {
				return nil, fmt.Errorf("%w: code expired %d times",
					ErrVerificationFailed, resends)
			}

			challengeID, err = g.service.SendCode(
				ctx, account, tp, purpose,
			)
			if err != nil {
				return nil, fmt.Errorf("resend code: %w", err)
			}

		default:
			return nil, fmt.Errorf("unknown code result %d", result)
		}
	}
}
