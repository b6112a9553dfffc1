package compose

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"market-pulse-bot/internal/market"
)

// Candidate is the final formatted post. Immutable once built; the
// fingerprint identifies near-identical content across cycles.
type Candidate struct {
	Text        string
	Fingerprint string
	Snapshot    market.Snapshot
}

// fingerprint hashes the normalized text together with both prices rounded
// to cents, so cosmetic whitespace differences or sub-cent drift do not
// produce a "new" post.
func fingerprint(text string, snapshot market.Snapshot) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte("|"))
	h.Write([]byte(snapshot.BTC.Price.Round(2).String()))
	h.Write([]byte("|"))
	h.Write([]byte(snapshot.ETH.Price.Round(2).String()))
	return hex.EncodeToString(h.Sum(nil))
}
