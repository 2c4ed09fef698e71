// Package payments adapts the external payment provider behind the
// PaymentProcessor contract and turns verified webhooks into ledger
// credits.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/domain"
)

// signatureTolerance bounds webhook replay: deliveries older than this are
// rejected even with a valid MAC.
const signatureTolerance = 5 * time.Minute

// ComputeSignature returns the hex HMAC-SHA256 over "<ts>.<body>".
func ComputeSignature(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds the "t=<ts>,v1=<sig>" header value for a payload.
func SignatureHeader(secret string, timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, ComputeSignature(secret, timestamp, body))
}

// VerifySignature checks a "t=<ts>,v1=<sig>" header against the body.
// Multiple v1 entries are accepted if any matches (key rotation).
func VerifySignature(secret, header string, body []byte, now time.Time) error {
	var timestamp int64
	var candidates []string

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("malformed timestamp: %w", domain.ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			candidates = append(candidates, value)
		}
	}

	if timestamp == 0 || len(candidates) == 0 {
		return fmt.Errorf("missing signature components: %w", domain.ErrInvalidSignature)
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("signature timestamp outside tolerance: %w", domain.ErrInvalidSignature)
	}

	expected := ComputeSignature(secret, timestamp, body)
	for _, candidate := range candidates {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch: %w", domain.ErrInvalidSignature)
}
