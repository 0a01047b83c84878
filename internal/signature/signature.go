// Package signature verifies inbound webhook envelopes.
//
// The platform signs each delivery with HMAC-SHA256 over
// "{id}.{timestamp}.{body}" using a shared base64 secret, in the
// Standard-Webhooks layout. Verification is the sole security gate for
// the pipeline and must pass before any lookup or persistence.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// secretPrefix is stripped from the configured secret before base64
	// decoding when present.
	secretPrefix = "whsec_"

	// signatureVersion is the only scheme this verifier evaluates.
	signatureVersion = "v1"

	// DefaultTolerance bounds the accepted clock skew between the
	// delivery timestamp and local time.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingHeaders = errors.New("signature headers missing")
	ErrBadTimestamp   = errors.New("signature timestamp is not a unix-seconds integer")
	ErrExpired        = errors.New("signature timestamp outside tolerance")
	// ErrInvalidSignature is deliberately generic: a mismatch must not
	// reveal which part of the check failed.
	ErrInvalidSignature = errors.New("signature verification failed")
)

// Headers carries the verification headers of one webhook delivery.
type Headers struct {
	ID        string
	Timestamp string
	Signature string
}

// Verifier checks webhook envelopes against a shared secret.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier decodes the shared secret and returns a Verifier.
// The secret is base64, optionally prefixed with "whsec_".
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	trimmed := strings.TrimSpace(secret)
	trimmed = strings.TrimPrefix(trimmed, secretPrefix)
	if trimmed == "" {
		return nil, errors.New("webhook secret is required")
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{key: key, tolerance: tolerance, now: time.Now}, nil
}

// Verify authenticates one delivery. A nil return means the envelope is
// genuine and fresh; any non-nil return must abort processing before
// side effects.
func (v *Verifier) Verify(rawBody []byte, hdr Headers) error {
	id := strings.TrimSpace(hdr.ID)
	ts := strings.TrimSpace(hdr.Timestamp)
	sig := strings.TrimSpace(hdr.Signature)
	if id == "" || ts == "" || sig == "" {
		return ErrMissingHeaders
	}

	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	skew := v.now().Sub(time.Unix(seconds, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrExpired
	}

	expected := v.sign(id, ts, rawBody)
	for _, pair := range strings.Fields(sig) {
		version, candidate, ok := strings.Cut(pair, ",")
		if !ok || version != signatureVersion {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign computes the v1 signature header value for the given delivery.
// Exported for subscription registration probes and tests.
func (v *Verifier) Sign(id, timestamp string, rawBody []byte) string {
	return signatureVersion + "," + base64.StdEncoding.EncodeToString(v.sign(id, timestamp, rawBody))
}

func (v *Verifier) sign(id, timestamp string, rawBody []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return mac.Sum(nil)
}
