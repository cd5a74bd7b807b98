package privacyidea

import (
	"errors"
	"strings"
	"time"
)

// Config defines a public type used by privacyidea APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	OTP       OTPConfig
	PIN       PINConfig
	Autosync  AutosyncConfig
	Challenge ChallengeConfig
	Policy    PolicyConfig
	Assertion AssertionConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
OTP CONFIG
====================================
*/

// OTPConfig defines a public type used by privacyidea APIs.
//
// OTPConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type OTPConfig struct {
	DefaultDigits    int
	DefaultAlgorithm string // "SHA1" (default), "SHA256", "SHA512"
	DefaultTimeStep  int    // seconds, time-based tokens
	CountWindow      int    // forward positions scanned on ordinary verification
	SyncWindow       int    // forward positions scanned during explicit resync
	MaxFail          int
	Issuer           string // otpauth:// provisioning label
}

// PINConfig defines a public type used by privacyidea APIs.
//
// PINConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PINConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AutosyncConfig defines a public type used by privacyidea APIs.
//
// AutosyncConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AutosyncConfig struct {
	Enabled      bool
	SearchWindow int           // bounded forward search, smaller than SyncWindow
	Timeout      time.Duration // due date: second attempt must arrive within this
}

// ChallengeConfig defines a public type used by privacyidea APIs.
//
// ChallengeConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ChallengeConfig struct {
	Validity    time.Duration
	MaxAttempts int
	RedisPrefix string
	Prompt      string
}

// PolicyConfig defines a public type used by privacyidea APIs.
//
// PolicyConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PolicyConfig struct {
	// DefaultPriority is assigned to policies created without one.
	// Lower numbers take precedence, so the default is deliberately low.
	DefaultPriority int
}

// AssertionConfig defines a public type used by privacyidea APIs.
//
// AssertionConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AssertionConfig struct {
	Enabled       bool
	TTL           time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
}

// AuditConfig defines a public type used by privacyidea APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by privacyidea APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled bool
}

const defaultPolicyPriority = 1000

func defaultConfig() Config {
	return Config{
		OTP: OTPConfig{
			DefaultDigits:    6,
			DefaultAlgorithm: "SHA1",
			DefaultTimeStep:  30,
			CountWindow:      10,
			SyncWindow:       1000,
			MaxFail:          10,
			Issuer:           "privacyIDEA",
		},
		PIN: PINConfig{
			Memory:      8 * 1024,
			Time:        1,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   16,
		},
		Autosync: AutosyncConfig{
			Enabled:      false,
			SearchWindow: 100,
			Timeout:      5 * time.Minute,
		},
		Challenge: ChallengeConfig{
			Validity:    2 * time.Minute,
			MaxAttempts: 3,
			RedisPrefix: "pic",
			Prompt:      "please enter otp",
		},
		Policy: PolicyConfig{
			DefaultPriority: defaultPolicyPriority,
		},
		Assertion: AssertionConfig{
			Enabled:       false,
			TTL:           time.Hour,
			SigningMethod: "hs256",
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Assertion.PrivateKey = cloneBytes(cfg.Assertion.PrivateKey)
	out.Assertion.PublicKey = cloneBytes(cfg.Assertion.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c Config) Validate() error {
	if c.OTP.DefaultDigits < 6 || c.OTP.DefaultDigits > 10 {
		return errors.New("OTP DefaultDigits must be between 6 and 10")
	}
	switch strings.ToUpper(c.OTP.DefaultAlgorithm) {
	case "", "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("OTP DefaultAlgorithm must be SHA1, SHA256 or SHA512")
	}
	if c.OTP.DefaultTimeStep <= 0 {
		return errors.New("OTP DefaultTimeStep must be positive")
	}
	if c.OTP.CountWindow < 0 || c.OTP.SyncWindow < 0 {
		return errors.New("OTP windows must not be negative")
	}
	if c.OTP.SyncWindow < c.OTP.CountWindow {
		return errors.New("OTP SyncWindow must not be smaller than CountWindow")
	}
	if c.OTP.MaxFail <= 0 {
		return errors.New("OTP MaxFail must be positive")
	}
	if c.Autosync.Enabled {
		if c.Autosync.SearchWindow <= 0 {
			return errors.New("Autosync SearchWindow must be positive")
		}
		if c.Autosync.SearchWindow > c.OTP.SyncWindow {
			return errors.New("Autosync SearchWindow must not exceed SyncWindow")
		}
		if c.Autosync.Timeout <= 0 {
			return errors.New("Autosync Timeout must be positive")
		}
	}
	if c.Challenge.Validity <= 0 {
		return errors.New("Challenge Validity must be positive")
	}
	if c.Challenge.MaxAttempts <= 0 {
		return errors.New("Challenge MaxAttempts must be positive")
	}
	if c.Challenge.RedisPrefix == "" {
		return errors.New("Challenge RedisPrefix must not be empty")
	}
	if c.Policy.DefaultPriority < 1 {
		return errors.New("Policy DefaultPriority must be >= 1")
	}
	if c.Assertion.Enabled {
		if c.Assertion.TTL <= 0 {
			return errors.New("Assertion TTL must be positive")
		}
		if len(c.Assertion.PrivateKey) == 0 {
			return errors.New("Assertion requires a private key")
		}
	}
	return nil
}
