package privacyidea

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
)

// secondsPerDay is the fixed step of the day-OTP variant.
const secondsPerDay = 86400

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: unsupported hash algorithm %q", ErrConfiguration, algorithm)
	}
}

// hotpCode derives the RFC 4226 value for one counter position. It is
// pure; callers own counter persistence.
func hotpCode(key []byte, counter int64, digits int, algorithm string) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty otp key", ErrConfiguration)
	}
	if digits <= 0 {
		return "", fmt.Errorf("%w: otp digits must be positive", ErrConfiguration)
	}

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(hf, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 §5.3.
	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

// totpCode derives the RFC 6238 value for a unix timestamp and step size.
func totpCode(key []byte, unixTime, stepSeconds int64, digits int, algorithm string) (string, error) {
	if stepSeconds <= 0 {
		return "", fmt.Errorf("%w: time step must be positive", ErrConfiguration)
	}
	return hotpCode(key, unixTime/stepSeconds, digits, algorithm)
}

// dayCode derives the day-stepped variant (one value per calendar day,
// counted in UTC from the unix epoch).
func dayCode(key []byte, unixTime int64, digits int, algorithm string) (string, error) {
	return totpCode(key, unixTime, secondsPerDay, digits, algorithm)
}

const otpNotFound = int64(-1)

// verifyEventWindow scans counter..counter+window and returns the first
// position whose derived value equals otp, or otpNotFound. Comparison
// is constant time per candidate.
func verifyEventWindow(key []byte, otp string, counter int64, window, digits int, algorithm string) (int64, error) {
	trimmed := strings.TrimSpace(otp)
	if len(trimmed) != digits || !isNumericString(trimmed) {
		return otpNotFound, nil
	}

	for c := counter; c <= counter+int64(window); c++ {
		generated, err := hotpCode(key, c, digits, algorithm)
		if err != nil {
			return otpNotFound, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return c, nil
		}
	}

	return otpNotFound, nil
}

// verifyTimeWindow scans the time steps in step-window/2..step+window/2
// around unixTime and returns the matching step counter, or otpNotFound.
func verifyTimeWindow(key []byte, otp string, unixTime, stepSeconds int64, window, digits int, algorithm string) (int64, error) {
	if stepSeconds <= 0 {
		return otpNotFound, fmt.Errorf("%w: time step must be positive", ErrConfiguration)
	}

	trimmed := strings.TrimSpace(otp)
	if len(trimmed) != digits || !isNumericString(trimmed) {
		return otpNotFound, nil
	}

	base := unixTime / stepSeconds
	half := int64(window / 2)
	for step := base - half; step <= base+half; step++ {
		if step < 0 {
			continue
		}
		generated, err := hotpCode(key, step, digits, algorithm)
		if err != nil {
			return otpNotFound, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return step, nil
		}
	}

	return otpNotFound, nil
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ProvisionURI renders the otpauth:// enrollment URI for a token
// secret, consumable by authenticator apps.
func ProvisionURI(tokenType, issuer, account, secretBase32 string, digits, period int, algorithm string) string {
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", issuer)
	v.Set("digits", strconv.Itoa(digits))
	v.Set("algorithm", strings.ToUpper(algorithm))
	if tokenType == TokenTypeTOTP {
		v.Set("period", strconv.Itoa(period))
	}

	return "otpauth://" + tokenType + "/" + label + "?" + v.Encode()
}
