package privacyidea

import (
	"context"
	"errors"
	"time"

	"github.com/privacyidea/privacyidea-sub004/internal"
)

// Challenge is one open round of a challenge-response exchange, keyed
// by a caller-opaque transaction id. A challenge is valid while
// now < CreatedAt + ValiditySeconds.
type Challenge struct {
	TransactionID   string
	Serial          string
	Data            string
	Session         map[string]string
	CreatedAt       int64
	ValiditySeconds int32
	Attempts        uint16
}

// Valid describes the valid operation and its observable behavior.
//
// Valid may return an error when input validation, dependency calls, or security checks fail.
// Valid does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Challenge) Valid(now time.Time) bool {
	if c == nil {
		return false
	}
	return now.Unix() < c.CreatedAt+int64(c.ValiditySeconds)
}

// ChallengeResult defines a public type used by privacyidea APIs.
//
// ChallengeResult instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ChallengeResult struct {
	Issued        bool
	Prompt        string
	TransactionID string
	Attributes    map[string]string
}

// CreateChallenge opens a challenge round for the token identified by
// serial and returns the prompt plus the transaction id correlating the
// later response. Expired rounds for the same serial are reaped on the
// way out.
func (e *Engine) CreateChallenge(ctx context.Context, serial string, options map[string]string) (*ChallengeResult, error) {
	if e == nil || e.tokens == nil || e.challenges == nil {
		return nil, ErrEngineNotReady
	}

	rec, err := e.tokens.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	tok, err := newOtpToken(rec, e.config.OTP)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !rec.IsActive() || rec.IsLocked() || !rec.CheckValidityPeriod(now) {
		e.emitAudit(ctx, auditEventChallengeCreated, false, serial, rec.Type, "", ErrTokenNotFound, func() map[string]string {
			return map[string]string{"reason": "token_not_usable"}
		})
		return &ChallengeResult{Issued: false}, nil
	}

	prompt, session, err := tok.CreateChallenge(now)
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		prompt = e.config.Challenge.Prompt
	}
	for k, v := range options {
		if session == nil {
			session = make(map[string]string, len(options))
		}
		session[k] = v
	}

	ch := &Challenge{
		TransactionID:   internal.NewTransactionID(),
		Serial:          serial,
		Data:            prompt,
		Session:         session,
		CreatedAt:       now.Unix(),
		ValiditySeconds: int32(e.config.Challenge.Validity / time.Second),
	}
	if err := e.challenges.Save(ctx, ch); err != nil {
		return nil, err
	}
	_ = e.challenges.Janitor(ctx, serial, now)

	e.metricInc(MetricChallengeCreated)
	e.emitAudit(ctx, auditEventChallengeCreated, true, serial, rec.Type, ch.TransactionID, nil, nil)

	return &ChallengeResult{
		Issued:        true,
		Prompt:        prompt,
		TransactionID: ch.TransactionID,
		Attributes:    map[string]string{"serial": serial},
	}, nil
}

// respondChallenge resolves an authentication request that references
// an open transaction id. Definitive verdicts (success, attempts
// exceeded) consume the challenge; a plain wrong answer leaves it open
// until it expires.
func (e *Engine) respondChallenge(ctx context.Context, transactionID, answer string, now time.Time) (*AuthResult, error) {
	ch, err := e.challenges.Get(ctx, transactionID, now)
	if err != nil {
		e.metricInc(MetricChallengeExpired)
		e.emitAudit(ctx, auditEventChallengeAnswered, false, "", "", transactionID, err, nil)
		// Expired or absent challenges surface as an ordinary failure.
		return &AuthResult{Accepted: false, Message: "challenge not valid"}, nil
	}

	rec, err := e.tokens.GetBySerial(ctx, ch.Serial)
	if err != nil {
		return nil, err
	}
	tok, err := newOtpToken(rec, e.config.OTP)
	if err != nil {
		return nil, err
	}

	window := rec.CountWindow
	if window <= 0 {
		window = e.config.OTP.CountWindow
	}
	matched, err := tok.CheckOTP(answer, window, now)
	if err != nil {
		return nil, err
	}

	if matched == otpNotFound {
		exceeded, ferr := e.challenges.RecordFailure(ctx, transactionID, e.config.Challenge.MaxAttempts)
		if ferr != nil && !errors.Is(ferr, ErrChallengeNotFound) && !errors.Is(ferr, ErrChallengeExpired) {
			return nil, ferr
		}
		var auditErr error
		if exceeded {
			auditErr = ErrChallengeAttempts
		}
		e.metricInc(MetricAuthFailure)
		e.emitAudit(ctx, auditEventChallengeAnswered, false, ch.Serial, rec.Type, transactionID, auditErr, func() map[string]string {
			return map[string]string{"reason": "wrong_otp"}
		})
		if err := e.failCount(ctx, ch.Serial); err != nil {
			return nil, err
		}
		return &AuthResult{Accepted: false, Serial: ch.Serial, TokenType: rec.Type, Message: "wrong otp value"}, nil
	}

	consumed, err := e.challenges.Consume(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// A concurrent response already claimed this transaction.
		return &AuthResult{Accepted: false, Message: "challenge not valid"}, nil
	}

	if err := e.commitAccepted(ctx, ch.Serial, matched); err != nil {
		if errors.Is(err, ErrReplayRejected) {
			e.metricInc(MetricAuthReplay)
			return &AuthResult{Accepted: false, Serial: ch.Serial, TokenType: rec.Type, Message: "wrong otp value"}, nil
		}
		return nil, err
	}

	e.metricInc(MetricChallengeConsumed)
	e.metricInc(MetricAuthSuccess)
	e.emitAudit(ctx, auditEventChallengeAnswered, true, ch.Serial, rec.Type, transactionID, nil, nil)

	res := &AuthResult{Accepted: true, Serial: ch.Serial, TokenType: rec.Type, Message: "matching 1 tokens"}
	e.attachAssertion(res, rec)
	return res, nil
}

func (e *Engine) failCount(ctx context.Context, serial string) error {
	return e.tokens.Update(ctx, serial, func(rec *TokenRecord) error {
		rec.IncFailCount()
		return nil
	})
}

func (e *Engine) commitAccepted(ctx context.Context, serial string, accepted int64) error {
	return e.tokens.Update(ctx, serial, func(rec *TokenRecord) error {
		if err := rec.IncrementOTPCounter(accepted); err != nil {
			return err
		}
		rec.ResetFailCount()
		rec.deleteInfo(infoAutosyncCounter)
		rec.deleteInfo(infoAutosyncAt)
		return nil
	})
}
