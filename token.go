package privacyidea

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// TokenTypeHOTP is an exported constant or variable used by the authentication engine.
	TokenTypeHOTP = "hotp"
	// TokenTypeTOTP is an exported constant or variable used by the authentication engine.
	TokenTypeTOTP = "totp"
	// TokenTypeDayOTP is an exported constant or variable used by the authentication engine.
	TokenTypeDayOTP = "daypassword"
)

// PINPosition defines a public type used by privacyidea APIs.
//
// PINPosition instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PINPosition int

const (
	// PINBeforeOTP is an exported constant or variable used by the authentication engine.
	PINBeforeOTP PINPosition = iota
	// PINAfterOTP is an exported constant or variable used by the authentication engine.
	PINAfterOTP
)

// Well-known TokenInfo keys.
const (
	infoTimeStep          = "timeStep"
	infoHashLib           = "hashlib"
	infoAutosyncCounter   = "autosync_ctr"
	infoAutosyncAt        = "autosync_at"
	infoChallengeResponse = "challenge_response"
)

// TokenRecord is the durable per-token state. The counter convention
// differs by type: event-based tokens store the next unconsumed
// position, time-based tokens store the last accepted time step.
//
// TokenRecord instances are read through the TokenStore and mutated
// only inside TokenStore.Update closures, which the store runs under a
// per-serial row lock.
type TokenRecord struct {
	Serial        string
	Type          string
	Key           []byte
	Counter       int64
	FailCount     int
	MaxFail       int
	SyncWindow    int
	CountWindow   int
	OTPLength     int
	HashAlgorithm string
	Active        bool
	ValidityStart *time.Time
	ValidityEnd   *time.Time
	Info          map[string]string
	Owner         string
	OwnerRealm    string
	OwnerResolver string
	Realms        []string
	PINHash       string
	PINPosition   PINPosition
}

// Clone describes the clone operation and its observable behavior.
//
// Clone may return an error when input validation, dependency calls, or security checks fail.
// Clone does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (t *TokenRecord) Clone() *TokenRecord {
	if t == nil {
		return nil
	}
	out := *t
	out.Key = cloneBytes(t.Key)
	if t.Info != nil {
		out.Info = make(map[string]string, len(t.Info))
		for k, v := range t.Info {
			out.Info[k] = v
		}
	}
	if t.Realms != nil {
		out.Realms = append([]string(nil), t.Realms...)
	}
	if t.ValidityStart != nil {
		vs := *t.ValidityStart
		out.ValidityStart = &vs
	}
	if t.ValidityEnd != nil {
		ve := *t.ValidityEnd
		out.ValidityEnd = &ve
	}
	return &out
}

// IsActive describes the isactive operation and its observable behavior.
//
// IsActive may return an error when input validation, dependency calls, or security checks fail.
// IsActive does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (t *TokenRecord) IsActive() bool {
	return t != nil && t.Active
}

// IsLocked reports whether the fail counter has reached MaxFail. The
// bound is a usability predicate, not an enforced invariant: the
// counter may keep growing past it.
func (t *TokenRecord) IsLocked() bool {
	return t != nil && t.MaxFail > 0 && t.FailCount >= t.MaxFail
}

// CheckValidityPeriod describes the checkvalidityperiod operation and its observable behavior.
//
// CheckValidityPeriod may return an error when input validation, dependency calls, or security checks fail.
// CheckValidityPeriod does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (t *TokenRecord) CheckValidityPeriod(now time.Time) bool {
	if t == nil {
		return false
	}
	if t.ValidityStart != nil && now.Before(*t.ValidityStart) {
		return false
	}
	if t.ValidityEnd != nil && now.After(*t.ValidityEnd) {
		return false
	}
	return true
}

// IncrementOTPCounter commits an accepted counter position. The counter
// only moves forward: a position at or before the last accepted one is
// rejected with ErrReplayRejected and state is unchanged. This is the
// replay guard; it must run inside the TokenStore.Update closure that
// also read the state the verdict was based on.
func (t *TokenRecord) IncrementOTPCounter(accepted int64) error {
	if t == nil {
		return ErrEngineNotReady
	}
	if t.timeBased() {
		if accepted <= t.Counter {
			return ErrReplayRejected
		}
		t.Counter = accepted
		return nil
	}
	if accepted < t.Counter {
		return ErrReplayRejected
	}
	t.Counter = accepted + 1
	return nil
}

// IncFailCount describes the incfailcount operation and its observable behavior.
//
// IncFailCount may return an error when input validation, dependency calls, or security checks fail.
// IncFailCount does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (t *TokenRecord) IncFailCount() {
	if t == nil {
		return
	}
	t.FailCount++
}

// ResetFailCount describes the resetfailcount operation and its observable behavior.
//
// ResetFailCount may return an error when input validation, dependency calls, or security checks fail.
// ResetFailCount does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (t *TokenRecord) ResetFailCount() {
	if t == nil {
		return
	}
	t.FailCount = 0
}

// SetInfo describes the setinfo operation and its observable behavior.
//
// SetInfo may return an error when input validation, dependency calls, or security checks fail.
// SetInfo does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (t *TokenRecord) SetInfo(key, value string) {
	if t == nil {
		return
	}
	if t.Info == nil {
		t.Info = make(map[string]string, 1)
	}
	t.Info[key] = value
}

// GetInfo describes the getinfo operation and its observable behavior.
//
// GetInfo may return an error when input validation, dependency calls, or security checks fail.
// GetInfo does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (t *TokenRecord) GetInfo(key string) string {
	if t == nil || t.Info == nil {
		return ""
	}
	return t.Info[key]
}

func (t *TokenRecord) deleteInfo(key string) {
	if t == nil || t.Info == nil {
		return
	}
	delete(t.Info, key)
}

func (t *TokenRecord) timeBased() bool {
	return t.Type == TokenTypeTOTP || t.Type == TokenTypeDayOTP
}

func (t *TokenRecord) algorithm(def string) string {
	if lib := t.GetInfo(infoHashLib); lib != "" {
		return lib
	}
	if t.HashAlgorithm != "" {
		return t.HashAlgorithm
	}
	return def
}

func (t *TokenRecord) timeStep(def int) int64 {
	if raw := t.GetInfo(infoTimeStep); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return int64(v)
		}
	}
	if def <= 0 {
		def = 30
	}
	return int64(def)
}

func (t *TokenRecord) challengeResponse() bool {
	return strings.EqualFold(t.GetInfo(infoChallengeResponse), "true")
}

// SplitCredential splits a presented credential into PIN and OTP parts
// according to the token's OTP length and PIN position. ok is false
// when the credential is too short to contain the OTP.
func (t *TokenRecord) SplitCredential(credential string) (pin, otp string, ok bool) {
	if t == nil || t.OTPLength <= 0 {
		return "", "", false
	}
	if len(credential) < t.OTPLength {
		return "", "", false
	}
	if t.PINPosition == PINAfterOTP {
		return credential[t.OTPLength:], credential[:t.OTPLength], true
	}
	cut := len(credential) - t.OTPLength
	return credential[:cut], credential[cut:], true
}

func (t *TokenRecord) validate(cfg OTPConfig) error {
	if t.Serial == "" {
		return fmt.Errorf("%w: token serial must not be empty", ErrConfiguration)
	}
	if len(t.Key) == 0 {
		return fmt.Errorf("%w: token %s has no key material", ErrConfiguration, t.Serial)
	}
	if t.OTPLength <= 0 {
		return fmt.Errorf("%w: token %s has no otp length", ErrConfiguration, t.Serial)
	}
	if _, err := hmacFunc(t.algorithm(cfg.DefaultAlgorithm)); err != nil {
		return err
	}
	return nil
}
