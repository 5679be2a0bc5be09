// Package sha256 tags archived listing documents for HTTP cache validation.
// An archive never changes once written, so the tag is a strong validator
// over the stored bytes.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// tagPrefix marks the digest algorithm inside the tag so a later change of
// algorithm never matches old tags by accident.
const tagPrefix = "sha256-"

// Tagger implements crawler.ContentTagger.
type Tagger struct{}

// New returns a Tagger.
func New() *Tagger {
	return &Tagger{}
}

// ETag returns the quoted strong entity tag of an archived document.
func (t *Tagger) ETag(data []byte) string {
	sum := sha256.Sum256(data)
	return `"` + tagPrefix + hex.EncodeToString(sum[:]) + `"`
}

// Match reports whether ifNoneMatch covers etag. The header may be "*" or a
// comma-separated list; weak tags compare by their opaque value.
func (t *Tagger) Match(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}
