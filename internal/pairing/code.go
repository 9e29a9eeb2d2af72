// Package pairing implements the one-time handshake that exchanges a
// short numeric code for a long-lived device key. The daemon generates
// and displays the code; the operator submits it to the orchestrator
// out-of-band; the orchestrator resolves the daemon's waiting handshake
// with a freshly minted key.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// CodeLength is the number of digits in a pairing code.
const CodeLength = 6

// GenerateCode returns a random numeric pairing code using crypto/rand.
// Codes are single-use and expire after the pairing window.
func GenerateCode() (string, error) {
	var sb strings.Builder
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		sb.WriteString(n.String())
	}
	return sb.String(), nil
}

// GenerateDeviceKey returns a 32-byte random key encoded as hex. This is
// the long-lived credential a daemon presents on every tunnel connect.
func GenerateDeviceKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// FormatCode inserts a space in the middle of a code for display,
// e.g. "123456" becomes "123 456".
func FormatCode(code string) string {
	if len(code) != CodeLength {
		return code
	}
	return code[:3] + " " + code[3:]
}

// NormalizeCode strips spaces so user input matches the generated form.
func NormalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}
