package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// FingerprintGranularity is the precision a message timestamp is truncated to
// before hashing. Re-delivered copies of one SMS differ by seconds at most.
const FingerprintGranularity = time.Minute

const fingerprintLength = 32

// Message is a single inbound notification as delivered by a source.
type Message struct {
	Sender     string    `json:"sender" yaml:"sender" csv:"sender"`
	Body       string    `json:"body" yaml:"body" csv:"body"`
	ReceivedAt time.Time `json:"receivedAt" yaml:"receivedAt" csv:"-"`
}

// Fingerprint returns the stable de-duplication key of the message: a hash of
// the normalized sender, the whitespace-collapsed body and the receive time
// truncated to FingerprintGranularity.
func (m Message) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(m.Sender))))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(strings.Fields(m.Body), " ")))
	h.Write([]byte{0})
	if !m.ReceivedAt.IsZero() {
		h.Write([]byte(m.ReceivedAt.UTC().Truncate(FingerprintGranularity).Format(time.RFC3339)))
	}
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLength]
}
