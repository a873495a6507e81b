package feedback

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// signalIDBucket is the timestamp granularity folded into signal identity
// for sources without stable URLs. Two identical texts from the same
// URL-less source within the same hour are one signal.
const signalIDBucket = time.Hour

// NormalizeText canonicalizes feedback text for identity and caching:
// trimmed, casefolded, runs of whitespace collapsed to single spaces.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// SignalID derives the deterministic content identity of a signal.
// Identity covers the normalized text and source; the URL when present,
// else the hourly timestamp bucket. The pipeline dedupes on this ID, so
// re-ingesting the same scrape batch is a no-op.
func SignalID(text, source, url string, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	if url != "" {
		h.Write([]byte(url))
	} else {
		h.Write([]byte(strconv.FormatInt(ts.Truncate(signalIDBucket).Unix(), 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash keys the embedding cache: identical normalized text maps to
// one cached vector regardless of source or timing.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}
