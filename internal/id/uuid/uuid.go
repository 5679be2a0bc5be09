// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings used as lease holder tokens.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// TargetID derives the stable target identifier for a URL. It is a v5 UUID in
// the URL namespace, so every process computes the same key for the same page.
func TargetID(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(Canonical(rawURL))).String()
}

// Canonical trims fragments and surrounding whitespace so cosmetic differences
// do not split one target into two.
func Canonical(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	return u.String()
}
