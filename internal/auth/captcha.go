package auth

import (
	"strings"
	"unicode"
)

// CaptchaVerdict is the result of screening a submitted CAPTCHA token
type CaptchaVerdict int

const (
	CaptchaOK CaptchaVerdict = iota
	CaptchaMissing
	CaptchaImplausible
)

const defaultCaptchaMinLength = 10

// CaptchaGate screens CAPTCHA tokens before credentials are checked.
// It only rejects tokens that cannot possibly be valid; verifying a token
// with the CAPTCHA provider happens upstream of this service.
type CaptchaGate struct {
	minLength int
}

// NewCaptchaGate creates a gate requiring tokens of at least minLength characters
func NewCaptchaGate(minLength int) *CaptchaGate {
	if minLength <= 0 {
		minLength = defaultCaptchaMinLength
	}
	return &CaptchaGate{minLength: minLength}
}

// Check classifies a submitted token
func (g *CaptchaGate) Check(token string) CaptchaVerdict {
	if token == "" {
		return CaptchaMissing
	}
	if !g.Plausible(token) {
		return CaptchaImplausible
	}
	return CaptchaOK
}

// Plausible reports whether token is non-empty, long enough and free of whitespace
func (g *CaptchaGate) Plausible(token string) bool {
	if len(token) < g.minLength {
		return false
	}
	return strings.IndexFunc(token, unicode.IsSpace) == -1
}
