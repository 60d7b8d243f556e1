// Package signature verifies payment-processor webhook signatures.
//
// The processor signs each delivery as `t=<unix>,v1=<hex>` where the digest
// is HMAC-SHA256 over `<t>.<body>`. Verification runs before any event
// reaches the confirmation processor; an unauthenticated delivery never
// does.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/ledgerline/payable/internal/errors"
)

// DefaultTolerance bounds the accepted timestamp skew. Old signatures are
// rejected to limit replay of captured deliveries.
const DefaultTolerance = 5 * time.Minute

// Sign produces a signature header value for a payload at the given time.
func Sign(secret []byte, signedAt time.Time, payload []byte) string {
	timestamp := strconv.FormatInt(signedAt.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(digest(secret, timestamp, payload)))
}

// Verify checks a signature header against the payload. The timestamp must
// be within tolerance of now in either direction.
func Verify(secret, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if len(secret) == 0 {
		return apperrors.New(apperrors.CodeWebhookInvalidSignature, "signing secret is not configured")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	timestamp, signatures, err := parseHeader(header)
	if err != nil {
		return err
	}

	signedAt := time.Unix(timestamp, 0)
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return apperrors.New(apperrors.CodeWebhookInvalidSignature, "signature timestamp outside tolerance")
	}

	expected := digest(secret, strconv.FormatInt(timestamp, 10), payload)
	for _, candidate := range signatures {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return apperrors.New(apperrors.CodeWebhookInvalidSignature, "signature does not match payload")
}

func parseHeader(header string) (int64, []string, error) {
	var timestamp int64
	var haveTimestamp bool
	var signatures []string
	for _, element := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(element), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, apperrors.New(apperrors.CodeWebhookInvalidSignature, "signature timestamp is not numeric")
			}
			timestamp = parsed
			haveTimestamp = true
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if !haveTimestamp || len(signatures) == 0 {
		return 0, nil, apperrors.New(apperrors.CodeWebhookInvalidSignature, "signature header is malformed")
	}
	return timestamp, signatures, nil
}

func digest(secret []byte, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
