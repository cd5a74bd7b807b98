package privacyidea

import (
	"context"
	"encoding/base32"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/privacyidea/privacyidea-sub004/internal"
)

// AuthenticateByUser resolves the user's token set and runs the
// multi-token matcher over it. When options carries a transaction_id
// the credential answers an open challenge instead. Users without any
// token fall through to the autoassignment and passthru policies.
func (e *Engine) AuthenticateByUser(ctx context.Context, login, realm, credential string, options map[string]string) (*AuthResult, error) {
	if e == nil || e.tokens == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}
	}()

	if txid := options["transaction_id"]; txid != "" {
		return e.respondChallenge(ctx, txid, credential, time.Now())
	}

	user, err := e.users.ResolveUser(ctx, login, realm)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	mctx := e.newMatchContext(ctx, options)
	mctx.Realm = user.Realm
	mctx.Resolver = user.Resolver
	mctx.User = user.Login
	mctx.UserInfo = user.Info

	records, err := e.tokens.GetByUser(ctx, user.Login, user.Realm)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return e.authenticateTokenless(ctx, user, credential, mctx)
	}

	res, err := e.evaluateTokens(ctx, user, records, credential, mctx, options, time.Now())
	return e.finishAuth(ctx, res, err)
}

// AuthenticateBySerial checks one credential against exactly one token.
// No user resolution happens, so userstore PIN policies cannot match
// a directory password here.
func (e *Engine) AuthenticateBySerial(ctx context.Context, serial, credential string, options map[string]string) (*AuthResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}
	}()

	if txid := options["transaction_id"]; txid != "" {
		return e.respondChallenge(ctx, txid, credential, time.Now())
	}

	rec, err := e.tokens.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	mctx := e.newMatchContext(ctx, options)
	mctx.Realm = strings.ToLower(rec.OwnerRealm)
	mctx.User = rec.Owner
	mctx.Token = rec

	res, err := e.evaluateTokens(ctx, nil, []*TokenRecord{rec}, credential, mctx, options, time.Now())
	return e.finishAuth(ctx, res, err)
}

func (e *Engine) finishAuth(ctx context.Context, res *AuthResult, err error) (*AuthResult, error) {
	if err != nil {
		if errors.Is(err, ErrAmbiguousMatch) || errors.Is(err, ErrMultipleChallenges) {
			e.metricInc(MetricAuthAmbiguous)
			e.emitAudit(ctx, auditEventAuthAmbiguous, false, "", "", "", err, nil)
		}
		return nil, err
	}

	switch {
	case res.Accepted:
		e.metricInc(MetricAuthSuccess)
		e.emitAudit(ctx, auditEventAuthSuccess, true, res.Serial, res.TokenType, "", nil, nil)
	case res.TransactionID != "":
		// Challenge issuance already counted by CreateChallenge.
	default:
		e.metricInc(MetricAuthFailure)
		e.emitAudit(ctx, auditEventAuthFailure, false, res.Serial, res.TokenType, "", nil, func() map[string]string {
			return map[string]string{"message": res.Message}
		})
	}
	return res, nil
}

// authenticateTokenless handles a user with an empty token set:
// autoassignment may claim an unassigned realm token with the presented
// credential, and passthru may defer to the directory password.
func (e *Engine) authenticateTokenless(ctx context.Context, user *UserRef, credential string, mctx *MatchContext) (*AuthResult, error) {
	if res, claimed, err := e.tryAutoAssignment(ctx, user, credential, mctx); err != nil {
		return nil, err
	} else if claimed {
		return res, nil
	}

	if ok, err := e.passthruEnabled(mctx); err != nil {
		return nil, err
	} else if ok {
		accepted, err := e.users.CheckDirectoryPassword(ctx, user, credential)
		if err != nil {
			return nil, ErrDirectoryUnavailable
		}
		if accepted {
			e.metricInc(MetricPassthruSuccess)
			e.metricInc(MetricAuthSuccess)
			e.emitAudit(ctx, auditEventPassthru, true, "", "", "", nil, func() map[string]string {
				return map[string]string{"user": user.Login}
			})
			return &AuthResult{Accepted: true, Message: "against userstore password"}, nil
		}
	}

	e.metricInc(MetricAuthFailure)
	e.emitAudit(ctx, auditEventAuthFailure, false, "", "", "", ErrTokenNotFound, func() map[string]string {
		return map[string]string{"user": user.Login, "reason": "no_token"}
	})
	return &AuthResult{Accepted: false, Message: "the user has no tokens assigned"}, nil
}

func (e *Engine) passthruEnabled(mctx *MatchContext) (bool, error) {
	snap := e.policySnapshot()
	if snap == nil {
		return false, nil
	}
	values, err := snap.GetActionValues(mctx, ActionPassthru, true, false)
	if err != nil {
		return false, err
	}
	for value := range values {
		if value == "userstore" || value == "1" || strings.EqualFold(value, "true") {
			return true, nil
		}
	}
	return false, nil
}

// tryAutoAssignment claims an unassigned token of the user's realm when
// the autoassignment policy is set: the credential must be the user's
// directory password followed by a currently valid OTP of exactly one
// unassigned token. The password becomes the token PIN.
func (e *Engine) tryAutoAssignment(ctx context.Context, user *UserRef, credential string, mctx *MatchContext) (*AuthResult, bool, error) {
	snap := e.policySnapshot()
	if snap == nil {
		return nil, false, nil
	}
	values, err := snap.GetActionValues(mctx, ActionAutoassignment, false, false)
	if err != nil {
		return nil, false, err
	}
	if len(values) == 0 {
		return nil, false, nil
	}

	candidates, err := e.tokens.GetUnassignedByRealm(ctx, user.Realm)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	var claimed *TokenRecord
	var claimedCounter int64
	var claimedPIN string
	for _, rec := range candidates {
		if !rec.IsActive() || rec.IsLocked() || !rec.CheckValidityPeriod(now) {
			continue
		}
		otpLen := rec.OTPLength
		if otpLen <= 0 || len(credential) <= otpLen {
			continue
		}
		password, otp := credential[:len(credential)-otpLen], credential[len(credential)-otpLen:]
		tok, err := newOtpToken(rec, e.config.OTP)
		if err != nil {
			return nil, false, err
		}
		matched, err := tok.CheckOTPExists(otp, now)
		if err != nil {
			return nil, false, err
		}
		if matched == otpNotFound {
			continue
		}
		ok, err := e.users.CheckDirectoryPassword(ctx, user, password)
		if err != nil {
			return nil, false, ErrDirectoryUnavailable
		}
		if !ok {
			continue
		}
		if claimed != nil {
			return nil, false, ErrAmbiguousMatch
		}
		claimed = rec
		claimedCounter = matched
		claimedPIN = password
	}
	if claimed == nil {
		return nil, false, nil
	}

	pinHash, err := e.pin.Hash(claimedPIN)
	if err != nil {
		return nil, false, err
	}
	err = e.tokens.Update(ctx, claimed.Serial, func(rec *TokenRecord) error {
		if rec.Owner != "" {
			return ErrTokenExists
		}
		if err := rec.IncrementOTPCounter(claimedCounter); err != nil {
			return err
		}
		rec.Owner = user.Login
		rec.OwnerRealm = user.Realm
		rec.OwnerResolver = user.Resolver
		rec.PINHash = pinHash
		rec.ResetFailCount()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTokenExists) || errors.Is(err, ErrReplayRejected) {
			// Someone else claimed or consumed it first.
			return nil, false, nil
		}
		return nil, false, err
	}

	e.metricInc(MetricAutoAssignment)
	e.metricInc(MetricAuthSuccess)
	e.emitAudit(ctx, auditEventAutoAssignment, true, claimed.Serial, claimed.Type, "", nil, func() map[string]string {
		return map[string]string{"user": user.Login}
	})
	res := &AuthResult{Accepted: true, Serial: claimed.Serial, TokenType: claimed.Type, Message: outcomeMessages[outcomeValid]}
	e.attachAssertion(res, claimed)
	return res, true, nil
}

func (e *Engine) newMatchContext(ctx context.Context, options map[string]string) *MatchContext {
	return &MatchContext{
		Scope:    ScopeAuthentication,
		ClientIP: clientIPFromContext(ctx),
		Node:     nodeIDFromContext(ctx),
		Now:      time.Now(),
		Request:  options,
	}
}

// EnrollRequest describes one token to create. Zero fields fall back to
// the engine's OTP defaults; an empty Key is generated.
type EnrollRequest struct {
	Type       string
	Serial     string
	OwnerLogin string
	OwnerRealm string
	Resolver   string
	Digits     int
	Algorithm  string
	TimeStep   int
	Key        []byte
	PIN        string
}

// EnrollResult defines a public type used by privacyidea APIs.
//
// EnrollResult instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type EnrollResult struct {
	Serial       string
	SecretBase32 string
	ProvisionURI string
}

// EnrollToken creates and persists a new token record and returns the
// provisioning material for the authenticator app.
func (e *Engine) EnrollToken(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	tokenType := req.Type
	if tokenType == "" {
		tokenType = TokenTypeHOTP
	}
	switch tokenType {
	case TokenTypeHOTP, TokenTypeTOTP, TokenTypeDayOTP:
	default:
		return nil, ErrConfiguration
	}

	serial := req.Serial
	if serial == "" {
		serial = internal.NewSerial(serialPrefix(tokenType))
	}
	key := req.Key
	if len(key) == 0 {
		var err error
		key, err = internal.RandomBytes(20)
		if err != nil {
			return nil, err
		}
	}
	digits := req.Digits
	if digits == 0 {
		digits = e.config.OTP.DefaultDigits
	}
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = e.config.OTP.DefaultAlgorithm
	}
	step := req.TimeStep
	if step == 0 {
		step = e.config.OTP.DefaultTimeStep
	}

	rec := &TokenRecord{
		Serial:        serial,
		Type:          tokenType,
		Key:           key,
		MaxFail:       e.config.OTP.MaxFail,
		CountWindow:   e.config.OTP.CountWindow,
		SyncWindow:    e.config.OTP.SyncWindow,
		OTPLength:     digits,
		HashAlgorithm: algorithm,
		Active:        true,
		Owner:         req.OwnerLogin,
		OwnerRealm:    strings.ToLower(req.OwnerRealm),
		OwnerResolver: req.Resolver,
	}
	if rec.timeBased() {
		rec.SetInfo(infoTimeStep, strconv.Itoa(step))
	}
	if req.PIN != "" {
		hash, err := e.pin.Hash(req.PIN)
		if err != nil {
			return nil, err
		}
		rec.PINHash = hash
	}
	if err := rec.validate(e.config.OTP); err != nil {
		return nil, err
	}
	if err := e.tokens.Create(ctx, rec); err != nil {
		return nil, err
	}

	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(key)
	account := req.OwnerLogin
	if account == "" {
		account = serial
	}
	e.emitAudit(ctx, auditEventEnroll, true, serial, tokenType, "", nil, nil)

	return &EnrollResult{
		Serial:       serial,
		SecretBase32: secret,
		ProvisionURI: ProvisionURI(tokenType, e.config.OTP.Issuer, account, secret, digits, step, algorithm),
	}, nil
}

func serialPrefix(tokenType string) string {
	switch tokenType {
	case TokenTypeTOTP:
		return "TOTP"
	case TokenTypeDayOTP:
		return "DYPW"
	default:
		return "OATH"
	}
}

// SetTokenPIN replaces the token PIN hash. An empty pin clears it.
func (e *Engine) SetTokenPIN(ctx context.Context, serial, newPIN string, position PINPosition) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}

	var hash string
	if newPIN != "" {
		var err error
		hash, err = e.pin.Hash(newPIN)
		if err != nil {
			return err
		}
	}
	err := e.tokens.Update(ctx, serial, func(rec *TokenRecord) error {
		rec.PINHash = hash
		rec.PINPosition = position
		return nil
	})
	if err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventSetPIN, true, serial, "", "", nil, nil)
	return nil
}
