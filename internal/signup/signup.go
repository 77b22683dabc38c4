// Package signup implements the time-based signup codes handed out by
// signup providers.
//
// A code is 9 lowercase hex characters: a provider's three-char prefix
// followed by 6 hex digits derived from an HMAC-SHA256 over the current
// minute counter under the provider's secret, truncated with the RFC 4226
// dynamic-truncation rule.
package signup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SecretLen is the required provider secret length in bytes.
const SecretLen = 32

// PrefixLen is the length of a provider identifier prefix.
const PrefixLen = 3

// Validation accepts codes minted between 2 minutes in the past and
// 6 minutes in the future, to tolerate clock drift on either side.
const (
	verifyPastMinutes   = 2
	verifyFutureMinutes = 6
)

// Provider mints and validates signup codes.
type Provider struct {
	Name     string
	Secret   []byte
	Prefixes []string
}

// NewProvider validates the secret and prefixes and returns a Provider.
// At least two distinct three-char prefixes are required.
func NewProvider(name string, secret []byte, prefixes []string) (*Provider, error) {
	if len(secret) != SecretLen {
		return nil, fmt.Errorf("signup: secret is %d bytes, want %d", len(secret), SecretLen)
	}
	if len(prefixes) < 2 {
		return nil, errors.New("signup: at least two prefixes required")
	}
	seen := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		if len(p) != PrefixLen || p != strings.ToLower(p) {
			return nil, fmt.Errorf("signup: invalid prefix %q", p)
		}
		if seen[p] {
			return nil, fmt.Errorf("signup: duplicate prefix %q", p)
		}
		seen[p] = true
	}
	return &Provider{Name: name, Secret: secret, Prefixes: prefixes}, nil
}

// Mint returns the signup code for the given prefix at time now.
func (p *Provider) Mint(prefix string, now time.Time) (string, error) {
	var ok bool
	for _, pp := range p.Prefixes {
		if pp == prefix {
			ok = true
			break
		}
	}
	if !ok {
		return "", fmt.Errorf("signup: prefix %q does not belong to provider %s", prefix, p.Name)
	}
	return prefix + hotp6(p.Secret, minuteCounter(now)), nil
}

// Verify reports whether code is a currently acceptable signup code for this
// provider. The minute window is [-2, +6] around now.
func (p *Provider) Verify(code string, now time.Time) bool {
	if len(code) != PrefixLen+6 {
		return false
	}
	prefix, digits := code[:PrefixLen], code[PrefixLen:]
	var ok bool
	for _, pp := range p.Prefixes {
		if pp == prefix {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	counter := minuteCounter(now)
	for off := int64(-verifyFutureMinutes); off <= verifyPastMinutes; off++ {
		// A code minted at minute m is valid from m-6 to m+2 as seen by the
		// verifier, which is the same as checking counters now-2 … now+6.
		if hmac.Equal([]byte(digits), []byte(hotp6(p.Secret, counter+off))) {
			return true
		}
	}
	return false
}

// minuteCounter is the UTC unix time divided into whole minutes.
func minuteCounter(t time.Time) int64 {
	return t.UTC().Unix() / 60
}

// hotp6 computes the 6-hex-digit truncated HMAC for a minute counter.
func hotp6(secret []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha256.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// RFC 4226 dynamic truncation: low nibble of the last byte selects a
	// 4-byte big-endian slice, masked to 31 bits.
	off := sum[len(sum)-1] & 0x0f
	v := binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff
	return fmt.Sprintf("%06x", v%(1<<24))
}
