// Package fingerprint derives a best-effort device identifier from client
// request signals. The result is a soft, collision-tolerant signal for
// device counting and audit display. Two browsers on one machine produce
// different fingerprints, and a UA update changes one; it is never a key
// and never an identity.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signals are the request headers and client hints that feed the hash.
// Empty fields are fine; the hash just gets less specific.
type Signals struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	// Hints carries optional client-reported values (screen size,
	// timezone, platform) forwarded by the viewer.
	Hints []string
}

// Derive hashes the signals into a stable hex identifier.
func Derive(s Signals) string {
	var b strings.Builder
	b.WriteString(s.UserAgent)
	b.WriteByte('\n')
	b.WriteString(s.AcceptLanguage)
	b.WriteByte('\n')
	b.WriteString(s.AcceptEncoding)
	for _, h := range s.Hints {
		b.WriteByte('\n')
		b.WriteString(h)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
