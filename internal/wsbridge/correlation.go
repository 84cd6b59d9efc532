package wsbridge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Correlation headers attached to loopback proxy requests.
const (
	HeaderConnectionID = "x-ws-connection-id"
	HeaderMessageID    = "x-ws-message-id"
	HeaderAction       = "x-ws-action"
	HeaderSignature    = "x-ws-correlation-signature"
)

// Correlator signs loopback requests so the HTTP side can tell a genuine
// WS-originated request from an external client forging the headers. The
// secret lives for the process lifetime and is never persisted.
type Correlator struct {
	secret []byte
}

func NewCorrelator() (*Correlator, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate correlation secret: %w", err)
	}
	return &Correlator{secret: secret}, nil
}

// Sign computes HMAC-SHA256 over "connId|msgIdHex|action", hex-encoded.
func (c *Correlator) Sign(connID, msgIDHex, action string) string {
	h := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(h, "%s|%s|%s", connID, msgIDHex, action)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func (c *Correlator) Verify(connID, msgIDHex, action, signature string) bool {
	expected := c.Sign(connID, msgIDHex, action)
	return hmac.Equal([]byte(expected), []byte(signature))
}
