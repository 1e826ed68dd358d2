package telephony

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "telnyx-signature-ed25519"
	HeaderTimestamp = "telnyx-timestamp"

	DefaultSignatureTolerance = 5 * time.Minute
)

var (
	ErrSignatureInvalid = errors.New("telephony: invalid webhook signature")
	ErrSignatureExpired = errors.New("telephony: webhook timestamp outside tolerance")
)

// SignatureVerifier checks provider webhook signatures: base64 ed25519 over "<timestamp>|<body>".
//
// A nil verifier accepts everything; it is only built without a key outside production.
type SignatureVerifier struct {
	key       ed25519.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewSignatureVerifier decodes a base64 public key. An empty key returns a nil verifier.
func NewSignatureVerifier(publicKeyBase64 string, tolerance time.Duration) (*SignatureVerifier, error) {
	publicKeyBase64 = strings.TrimSpace(publicKeyBase64)
	if publicKeyBase64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode webhook public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid webhook public key size %d", len(raw))
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &SignatureVerifier{key: ed25519.PublicKey(raw), tolerance: tolerance, now: time.Now}, nil
}

func (v *SignatureVerifier) Enabled() bool { return v != nil }

func (v *SignatureVerifier) Verify(signature, timestamp string, body []byte) error {
	if v == nil {
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrSignatureInvalid
	}
	timestamp = strings.TrimSpace(timestamp)
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	skew := v.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrSignatureExpired
	}
	if !ed25519.Verify(v.key, signedPayload(timestamp, body), sig) {
		return ErrSignatureInvalid
	}
	return nil
}

func signedPayload(timestamp string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '|')
	return append(msg, body...)
}
