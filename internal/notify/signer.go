// Package notify delivers account events to guardians. Events are appended
// to a Redis stream by the Publisher and pushed to the notification endpoint
// by the Worker, signed with HMAC-SHA256.
package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	ErrReplayWindowExceeded = errors.New("notification timestamp outside replay window")
	ErrInvalidSignature     = errors.New("notification signature mismatch")
)

// DefaultReplayWindow bounds how far a receiver's clock may drift from the
// timestamp header before a delivery is refused.
const DefaultReplayWindow = 5 * time.Minute

// GenerateSignature returns the hex HMAC-SHA256 of "<timestamp>.<body>"
// keyed with secret. The timestamp is part of the MAC so a captured delivery
// cannot be replayed under a fresh timestamp header.
func GenerateSignature(secret string, timestamp int64, body []byte) string {
	return hex.EncodeToString(sign(secret, timestamp, body))
}

// ValidateSignature is the receiver side of GenerateSignature.
func ValidateSignature(secret, signature string, timestamp int64, body []byte, window time.Duration) error {
	skew := time.Since(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return ErrReplayWindowExceeded
	}

	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, sign(secret, timestamp, body)) {
		return ErrInvalidSignature
	}
	return nil
}

func sign(secret string, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	prefix := strconv.AppendInt(make([]byte, 0, 24), timestamp, 10)
	mac.Write(append(prefix, '.'))
	mac.Write(body)
	return mac.Sum(nil)
}
