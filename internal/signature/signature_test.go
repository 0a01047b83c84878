package signature

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

const testSecret = "dGhpcy1pcy1hLXRlc3Qtc2lnbmluZy1rZXk="

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, DefaultTolerance)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v.now = func() time.Time { return now }
	return v
}

func TestVerify_ValidSignature(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(t, now)
	body := []byte(`{"event":"chat_message","payload":{"text":"hello"}}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	hdr := Headers{ID: "msg_123", Timestamp: ts, Signature: v.Sign("msg_123", ts, body)}
	if err := v.Verify(body, hdr); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerify_SecretPrefixStripped(t *testing.T) {
	t.Parallel()

	plain, err := NewVerifier(testSecret, 0)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	prefixed, err := NewVerifier("whsec_"+testSecret, 0)
	if err != nil {
		t.Fatalf("new prefixed verifier: %v", err)
	}
	body := []byte("payload")
	if plain.Sign("id", "123", body) != prefixed.Sign("id", "123", body) {
		t.Fatal("prefixed secret should produce identical signatures")
	}
}

func TestVerify_TamperedInputsRejected(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(t, now)
	body := []byte(`{"event":"chat_message"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := v.Sign("msg_123", ts, body)

	cases := []struct {
		name string
		body []byte
		hdr  Headers
	}{
		{"flipped body byte", []byte(`{"Event":"chat_message"}`), Headers{ID: "msg_123", Timestamp: ts, Signature: sig}},
		{"different id", body, Headers{ID: "msg_124", Timestamp: ts, Signature: sig}},
		{"different timestamp", body, Headers{ID: "msg_123", Timestamp: strconv.FormatInt(now.Unix()+1, 10), Signature: sig}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.Verify(tc.body, tc.hdr); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestVerify_ExpiredTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(t, now)
	body := []byte("{}")
	stale := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)

	// Correctly signed, but outside the tolerance window.
	hdr := Headers{ID: "msg_123", Timestamp: stale, Signature: v.Sign("msg_123", stale, body)}
	if err := v.Verify(body, hdr); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerify_FutureTimestampRejected(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(t, now)
	body := []byte("{}")
	future := strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10)

	hdr := Headers{ID: "msg_123", Timestamp: future, Signature: v.Sign("msg_123", future, body)}
	if err := v.Verify(body, hdr); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerify_MissingHeaders(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, time.Unix(1_700_000_000, 0))
	cases := []Headers{
		{},
		{ID: "msg_123"},
		{ID: "msg_123", Timestamp: "1700000000"},
		{Timestamp: "1700000000", Signature: "v1,abc"},
	}
	for i, hdr := range cases {
		if err := v.Verify([]byte("{}"), hdr); !errors.Is(err, ErrMissingHeaders) {
			t.Fatalf("case %d: expected ErrMissingHeaders, got %v", i, err)
		}
	}
}

func TestVerify_UnparseableTimestamp(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, time.Unix(1_700_000_000, 0))
	hdr := Headers{ID: "msg_123", Timestamp: "not-a-number", Signature: "v1,abc"}
	if err := v.Verify([]byte("{}"), hdr); !errors.Is(err, ErrBadTimestamp) {
		t.Fatalf("expected ErrBadTimestamp, got %v", err)
	}
}

func TestVerify_MultipleSignaturePairs(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(t, now)
	body := []byte(`{"event":"chat_message"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	bogus := "v2," + base64.StdEncoding.EncodeToString([]byte("other-scheme"))
	combined := fmt.Sprintf("%s %s", bogus, v.Sign("msg_123", ts, body))
	if err := v.Verify(body, Headers{ID: "msg_123", Timestamp: ts, Signature: combined}); err != nil {
		t.Fatalf("expected recognized v1 pair to validate, got %v", err)
	}

	if err := v.Verify(body, Headers{ID: "msg_123", Timestamp: ts, Signature: bogus}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for unrecognized version, got %v", err)
	}
}
