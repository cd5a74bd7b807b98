package privacyidea

import (
	"fmt"
	"time"
)

// OtpToken is the per-type capability interface the matcher and the
// challenge manager operate on. Implementations never mutate the
// underlying record; accepted counters are committed by the caller
// through TokenRecord.IncrementOTPCounter inside a store update.
type OtpToken interface {
	// Record returns the backing token state.
	Record() *TokenRecord
	// CheckOTP verifies otp inside the given window and returns the
	// accepted counter position, or otpNotFound. Read-only.
	CheckOTP(otp string, window int, now time.Time) (int64, error)
	// CheckOTPExists is the read-only probe over the token's own count
	// window, used for duplicate-serial and auto-assignment searches.
	CheckOTPExists(otp string, now time.Time) (int64, error)
	// Resync locates otp1 inside the sync window and requires otp2 at
	// exactly the following position. It returns the counter of otp2
	// and whether the pair matched. Read-only; the caller commits.
	Resync(otp1, otp2 string, syncWindow int, now time.Time) (int64, bool, error)
	// CreateChallenge produces the prompt and algorithm-specific
	// session data for a new challenge round.
	CreateChallenge(now time.Time) (prompt string, session map[string]string, err error)
	// IsChallengeRequest reports whether the split credential asks for
	// a challenge instead of carrying an OTP.
	IsChallengeRequest(pin, otp string, pinOK bool) bool
}

type hotpToken struct {
	rec *TokenRecord
	cfg OTPConfig
}

type timeToken struct {
	rec  *TokenRecord
	cfg  OTPConfig
	step int64
}

// newOtpToken wraps a token record in its type-specific behavior. An
// unknown token type or unusable key/digit configuration is a
// ConfigurationError, never silently defaulted.
func newOtpToken(rec *TokenRecord, cfg OTPConfig) (OtpToken, error) {
	if rec == nil {
		return nil, ErrTokenNotFound
	}
	if err := rec.validate(cfg); err != nil {
		return nil, err
	}
	switch rec.Type {
	case TokenTypeHOTP:
		return &hotpToken{rec: rec, cfg: cfg}, nil
	case TokenTypeTOTP:
		return &timeToken{rec: rec, cfg: cfg, step: rec.timeStep(cfg.DefaultTimeStep)}, nil
	case TokenTypeDayOTP:
		return &timeToken{rec: rec, cfg: cfg, step: secondsPerDay}, nil
	default:
		return nil, fmt.Errorf("%w: unknown token type %q", ErrConfiguration, rec.Type)
	}
}

func (t *hotpToken) Record() *TokenRecord { return t.rec }

func (t *hotpToken) CheckOTP(otp string, window int, _ time.Time) (int64, error) {
	return verifyEventWindow(t.rec.Key, otp, t.rec.Counter, window, t.rec.OTPLength, t.rec.algorithm(t.cfg.DefaultAlgorithm))
}

func (t *hotpToken) CheckOTPExists(otp string, now time.Time) (int64, error) {
	window := t.rec.CountWindow
	if window <= 0 {
		window = t.cfg.CountWindow
	}
	return t.CheckOTP(otp, window, now)
}

func (t *hotpToken) Resync(otp1, otp2 string, syncWindow int, now time.Time) (int64, bool, error) {
	c1, err := t.CheckOTP(otp1, syncWindow, now)
	if err != nil || c1 == otpNotFound {
		return otpNotFound, false, err
	}
	next, err := hotpCode(t.rec.Key, c1+1, t.rec.OTPLength, t.rec.algorithm(t.cfg.DefaultAlgorithm))
	if err != nil {
		return otpNotFound, false, err
	}
	// No gap allowed: otp2 must sit at exactly c1+1.
	if next != otp2 {
		return otpNotFound, false, nil
	}
	return c1 + 1, true, nil
}

func (t *hotpToken) CreateChallenge(_ time.Time) (string, map[string]string, error) {
	return "", map[string]string{"type": TokenTypeHOTP}, nil
}

func (t *hotpToken) IsChallengeRequest(_, otp string, pinOK bool) bool {
	return pinOK && otp == "" && t.rec.challengeResponse()
}

func (t *timeToken) Record() *TokenRecord { return t.rec }

func (t *timeToken) CheckOTP(otp string, window int, now time.Time) (int64, error) {
	matched, err := verifyTimeWindow(t.rec.Key, otp, now.Unix(), t.step, window, t.rec.OTPLength, t.rec.algorithm(t.cfg.DefaultAlgorithm))
	if err != nil || matched == otpNotFound {
		return otpNotFound, err
	}
	// Counter holds the last accepted step; an equal or earlier step is
	// a replay and must not be reported as a match.
	if matched <= t.rec.Counter {
		return otpNotFound, nil
	}
	return matched, nil
}

func (t *timeToken) CheckOTPExists(otp string, now time.Time) (int64, error) {
	window := t.rec.CountWindow
	if window <= 0 {
		window = t.cfg.CountWindow
	}
	return t.CheckOTP(otp, window, now)
}

func (t *timeToken) Resync(otp1, otp2 string, syncWindow int, now time.Time) (int64, bool, error) {
	s1, err := t.CheckOTP(otp1, syncWindow, now)
	if err != nil || s1 == otpNotFound {
		return otpNotFound, false, err
	}
	next, err := hotpCode(t.rec.Key, s1+1, t.rec.OTPLength, t.rec.algorithm(t.cfg.DefaultAlgorithm))
	if err != nil {
		return otpNotFound, false, err
	}
	if next != otp2 {
		return otpNotFound, false, nil
	}
	return s1 + 1, true, nil
}

func (t *timeToken) CreateChallenge(_ time.Time) (string, map[string]string, error) {
	return "", map[string]string{"type": t.rec.Type}, nil
}

func (t *timeToken) IsChallengeRequest(_, otp string, pinOK bool) bool {
	return pinOK && otp == "" && t.rec.challengeResponse()
}
