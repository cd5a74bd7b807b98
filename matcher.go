package privacyidea

import (
	"context"
	"errors"
	"time"
)

// outcomeKind classifies one token's reaction to a presented
// credential. The numeric weights resolve which diagnostic the caller
// gets to see when no token validated; higher weight wins, ties go to
// the earlier candidate (stable scan order).
type outcomeKind int

const (
	outcomeInactive outcomeKind = iota
	outcomeLocked
	outcomeValidityWindow
	outcomePINMismatch
	outcomeUserstorePINMismatch
	outcomeChallengeCreated
	outcomeOTPMismatch
	outcomeValid
)

var outcomeWeights = map[outcomeKind]int{
	outcomeInactive:             3,
	outcomeLocked:               4,
	outcomeValidityWindow:       5,
	outcomePINMismatch:          10,
	outcomeUserstorePINMismatch: 15,
	outcomeChallengeCreated:     20,
	outcomeOTPMismatch:          25,
	outcomeValid:                30,
}

var outcomeMessages = map[outcomeKind]string{
	outcomeInactive:             "token is disabled",
	outcomeLocked:               "failcounter exceeded",
	outcomeValidityWindow:       "outside validity period",
	outcomePINMismatch:          "wrong otp pin",
	outcomeUserstorePINMismatch: "wrong password",
	outcomeChallengeCreated:     "challenge created",
	outcomeOTPMismatch:          "wrong otp value",
	outcomeValid:                "matching 1 tokens",
}

func (k outcomeKind) weight() int { return outcomeWeights[k] }

// tokenOutcome is the transient per-token classification consumed by
// the verdict selection and discarded afterwards.
type tokenOutcome struct {
	tok     OtpToken
	kind    outcomeKind
	matched int64
	pinOK   bool
}

// evaluateTokens runs the multi-token matcher over a candidate set:
// every token classifies the credential independently, then the
// weighted tie-break selects the verdict. Counter and fail-counter
// commits happen through TokenStore.Update so the replay guard runs
// under the store's row lock.
func (e *Engine) evaluateTokens(ctx context.Context, user *UserRef, records []*TokenRecord, credential string, mctx *MatchContext, options map[string]string, now time.Time) (*AuthResult, error) {
	pinMode, err := e.otpPINMode(mctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]tokenOutcome, 0, len(records))
	var validCount, challengeCount int
	for _, rec := range records {
		tok, err := newOtpToken(rec, e.config.OTP)
		if err != nil {
			return nil, err
		}
		out, err := e.classify(ctx, tok, user, credential, pinMode, options, now)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, out)
		switch out.kind {
		case outcomeValid:
			validCount++
		case outcomeChallengeCreated:
			challengeCount++
		}
	}

	if challengeCount > 1 {
		// Several challenge-response tokens behind one PIN is an
		// unsupported configuration, not a resolvable tie.
		return nil, ErrMultipleChallenges
	}
	// A credential that validated outright on a sibling token outranks a
	// pin-only challenge trigger; the challenge is raised only when
	// nothing validated.
	if challengeCount == 1 && validCount == 0 {
		for _, out := range outcomes {
			if out.kind != outcomeChallengeCreated {
				continue
			}
			cr, err := e.CreateChallenge(ctx, out.tok.Record().Serial, nil)
			if err != nil {
				return nil, err
			}
			return &AuthResult{
				Accepted:      false,
				Serial:        out.tok.Record().Serial,
				TokenType:     out.tok.Record().Type,
				Message:       cr.Prompt,
				TransactionID: cr.TransactionID,
				Attributes:    cr.Attributes,
			}, nil
		}
	}

	if validCount > 1 {
		// A PIN+OTP pair coincidentally matched two tokens. Reported,
		// never silently resolved, and no counter is committed.
		return nil, ErrAmbiguousMatch
	}

	if validCount == 1 {
		for _, out := range outcomes {
			if out.kind != outcomeValid {
				continue
			}
			rec := out.tok.Record()
			if err := e.commitAccepted(ctx, rec.Serial, out.matched); err != nil {
				if errors.Is(err, ErrReplayRejected) {
					// A concurrent request consumed this counter first.
					// Surfaced as an ordinary failure, not an oracle.
					return &AuthResult{Accepted: false, Serial: rec.Serial, TokenType: rec.Type, Message: outcomeMessages[outcomeOTPMismatch]}, nil
				}
				return nil, err
			}
			res := &AuthResult{Accepted: true, Serial: rec.Serial, TokenType: rec.Type, Message: outcomeMessages[outcomeValid]}
			e.attachAssertion(res, rec)
			return res, nil
		}
	}

	if err := e.penalizeFailures(ctx, outcomes); err != nil {
		return nil, err
	}

	best := bestOutcome(outcomes)
	res := &AuthResult{Accepted: false, Message: outcomeMessages[outcomeOTPMismatch]}
	if best != nil {
		res.Message = outcomeMessages[best.kind]
		res.Serial = best.tok.Record().Serial
		res.TokenType = best.tok.Record().Type
	}
	return res, nil
}

func (e *Engine) classify(ctx context.Context, tok OtpToken, user *UserRef, credential, pinMode string, options map[string]string, now time.Time) (tokenOutcome, error) {
	rec := tok.Record()
	out := tokenOutcome{tok: tok, matched: otpNotFound}

	if !rec.IsActive() {
		out.kind = outcomeInactive
		return out, nil
	}
	if rec.IsLocked() {
		out.kind = outcomeLocked
		return out, nil
	}
	if !rec.CheckValidityPeriod(now) {
		out.kind = outcomeValidityWindow
		return out, nil
	}

	var pin, otp string
	if pinMode == OTPPINNone {
		pin, otp = "", credential
	} else {
		var ok bool
		pin, otp, ok = rec.SplitCredential(credential)
		if !ok {
			// Too short to carry the OTP; pin is the whole credential.
			pin, otp = credential, ""
		}
	}

	pinOK, err := e.checkPIN(ctx, rec, user, pin, pinMode)
	if err != nil {
		return out, err
	}
	out.pinOK = pinOK
	if !pinOK {
		if pinMode == OTPPINUserstore {
			out.kind = outcomeUserstorePINMismatch
		} else {
			out.kind = outcomePINMismatch
		}
		return out, nil
	}

	if tok.IsChallengeRequest(pin, otp, pinOK) || (options["trigger_challenge"] == "1" && otp == "") {
		out.kind = outcomeChallengeCreated
		return out, nil
	}

	window := rec.CountWindow
	if window <= 0 {
		window = e.config.OTP.CountWindow
	}
	matched, err := tok.CheckOTP(otp, window, now)
	if err != nil {
		return out, err
	}
	if matched == otpNotFound {
		matched, err = tryAutosync(tok, otp, e.config.Autosync, now)
		if err != nil {
			return out, err
		}
		if matched != otpNotFound {
			e.metricInc(MetricAutosyncSuccess)
		}
	}
	if matched == otpNotFound {
		out.kind = outcomeOTPMismatch
		return out, nil
	}

	out.kind = outcomeValid
	out.matched = matched
	return out, nil
}

// checkPIN verifies the first credential factor according to the
// effective otppin policy value.
func (e *Engine) checkPIN(ctx context.Context, rec *TokenRecord, user *UserRef, pin, pinMode string) (bool, error) {
	switch pinMode {
	case OTPPINNone:
		return true, nil
	case OTPPINUserstore:
		if user == nil || e.users == nil {
			return false, nil
		}
		ok, err := e.users.CheckDirectoryPassword(ctx, user, pin)
		if err != nil {
			return false, ErrDirectoryUnavailable
		}
		return ok, nil
	default:
		if rec.PINHash == "" {
			return pin == "", nil
		}
		return e.pin.Verify(pin, rec.PINHash)
	}
}

// penalizeFailures increments fail counters after an unsuccessful
// round: tokens whose PIN matched take the blame; when no PIN matched
// anywhere, every otherwise usable candidate does. Autosync bookkeeping
// recorded during evaluation is persisted alongside.
func (e *Engine) penalizeFailures(ctx context.Context, outcomes []tokenOutcome) error {
	pinMatched := false
	for _, out := range outcomes {
		if out.pinOK && out.kind == outcomeOTPMismatch {
			pinMatched = true
			break
		}
	}

	for _, out := range outcomes {
		penalize := out.pinOK && out.kind == outcomeOTPMismatch
		if !pinMatched {
			penalize = out.kind == outcomeOTPMismatch ||
				out.kind == outcomePINMismatch ||
				out.kind == outcomeUserstorePINMismatch
		}
		if !penalize {
			continue
		}

		evaluated := out.tok.Record()
		err := e.tokens.Update(ctx, evaluated.Serial, func(rec *TokenRecord) error {
			rec.IncFailCount()
			for _, key := range []string{infoAutosyncCounter, infoAutosyncAt} {
				if v := evaluated.GetInfo(key); v != "" {
					rec.SetInfo(key, v)
				} else {
					rec.deleteInfo(key)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func bestOutcome(outcomes []tokenOutcome) *tokenOutcome {
	var best *tokenOutcome
	for i := range outcomes {
		if best == nil || outcomes[i].kind.weight() > best.kind.weight() {
			best = &outcomes[i]
		}
	}
	return best
}

// otpPINMode resolves the effective otppin action for this request;
// token PIN is the default when no policy says otherwise.
func (e *Engine) otpPINMode(mctx *MatchContext) (string, error) {
	snap := e.policySnapshot()
	if snap == nil {
		return OTPPINToken, nil
	}
	values, err := snap.GetActionValues(mctx, ActionOTPPIN, true, false)
	if err != nil {
		return "", err
	}
	for value := range values {
		return value, nil
	}
	return OTPPINToken, nil
}
