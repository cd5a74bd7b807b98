package privacyidea

import "errors"

var (
	// ErrEngineNotReady is an exported constant or variable used by the authentication engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrConfiguration is an exported constant or variable used by the authentication engine.
	ErrConfiguration = errors.New("invalid otp configuration")
	// ErrTokenNotFound is an exported constant or variable used by the authentication engine.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenExists is an exported constant or variable used by the authentication engine.
	ErrTokenExists = errors.New("token serial already exists")
	// ErrUserNotFound is an exported constant or variable used by the authentication engine.
	ErrUserNotFound = errors.New("user not found")
	// ErrAmbiguousMatch is an exported constant or variable used by the authentication engine.
	ErrAmbiguousMatch = errors.New("credential matched more than one token")
	// ErrReplayRejected is an exported constant or variable used by the authentication engine.
	ErrReplayRejected = errors.New("otp counter already consumed")
	// ErrChallengeNotFound is an exported constant or variable used by the authentication engine.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExpired is an exported constant or variable used by the authentication engine.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeAttempts is an exported constant or variable used by the authentication engine.
	ErrChallengeAttempts = errors.New("challenge attempts exceeded")
	// ErrChallengeBackend is an exported constant or variable used by the authentication engine.
	ErrChallengeBackend = errors.New("challenge backend unavailable")
	// ErrMultipleChallenges is an exported constant or variable used by the authentication engine.
	ErrMultipleChallenges = errors.New("multiple tokens produced a challenge")
	// ErrPolicyConflict is an exported constant or variable used by the authentication engine.
	ErrPolicyConflict = errors.New("conflicting policy action values at equal priority")
	// ErrPolicyCondition is an exported constant or variable used by the authentication engine.
	ErrPolicyCondition = errors.New("policy condition not resolvable")
	// ErrPolicyInvalid is an exported constant or variable used by the authentication engine.
	ErrPolicyInvalid = errors.New("invalid policy definition")
	// ErrTokenStoreUnavailable is an exported constant or variable used by the authentication engine.
	ErrTokenStoreUnavailable = errors.New("token store unavailable")
	// ErrDirectoryUnavailable is an exported constant or variable used by the authentication engine.
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
	// ErrAssertionUnavailable is an exported constant or variable used by the authentication engine.
	ErrAssertionUnavailable = errors.New("result assertion signing failed")
)
