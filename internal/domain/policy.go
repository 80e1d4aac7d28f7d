package domain

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 64
	minPasswordLength = 8
	maxPasswordLength = 128

	// MaxFingerprintBytes bounds the raw client fingerprint accepted for hashing.
	MaxFingerprintBytes = 8 << 10
	maxUserAgentLength  = 512
	maxBreakGlassReason = 256
)

// NormalizeUsername canonicalizes a username and checks its format.
func NormalizeUsername(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if len(name) < minUsernameLength || len(name) > maxUsernameLength {
		return "", fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsernameLength, maxUsernameLength)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '.' || r == '_' || r == '-') && i > 0:
		default:
			return "", fmt.Errorf("%w: username contains unsupported characters", ErrInvalidInput)
		}
	}
	return name, nil
}

// CheckLoginPassword only bounds the password; strength rules apply at registration.
func CheckLoginPassword(password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be <= %d characters", ErrInvalidInput, maxPasswordLength)
	}
	return nil
}

// ValidatePassword enforces the registration password policy.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be <= %d characters", ErrInvalidInput, maxPasswordLength)
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return fmt.Errorf("%w: password must mix at least three of upper, lower, digit, symbol", ErrInvalidInput)
	}

	lowered := strings.ToLower(password)
	for _, banned := range []string{"password", "qwerty", "123456", "letmein"} {
		if strings.Contains(lowered, banned) {
			return fmt.Errorf("%w: password includes weak pattern", ErrInvalidInput)
		}
	}
	return nil
}

// CheckClientContext bounds the free-form client fields carried into the ledger and logs.
func CheckClientContext(userAgent, fingerprint string) error {
	if len(userAgent) > maxUserAgentLength {
		return fmt.Errorf("%w: user agent must be <= %d bytes", ErrInvalidInput, maxUserAgentLength)
	}
	if len(fingerprint) > MaxFingerprintBytes {
		return fmt.Errorf("%w: fingerprint must be <= %d bytes", ErrInvalidInput, MaxFingerprintBytes)
	}
	return nil
}

func CheckBreakGlassReason(reason string) error {
	if len(reason) > maxBreakGlassReason {
		return fmt.Errorf("%w: break-glass reason must be <= %d bytes", ErrInvalidInput, maxBreakGlassReason)
	}
	return nil
}
