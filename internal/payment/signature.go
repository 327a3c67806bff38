package payment

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// base64-only characters; a signature containing any of them cannot already
// be base58.
const base64OnlyCharacters = "+/="

// NormalizeSignature converts a wallet-returned signature into the base58
// form chain explorers and the verification API expect. Wallet transports
// return base64, but a value that already looks like base58 is passed
// through untouched so an already-correct signature is never double-encoded.
func NormalizeSignature(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty signature")
	}
	if !strings.ContainsAny(trimmed, base64OnlyCharacters) {
		return trimmed, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("decode base64 signature: %w", err)
	}
	return base58.Encode(decoded), nil
}
