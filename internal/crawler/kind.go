package crawler

import (
	"fmt"
	"strings"
)

// Kind selects how a crawl target is processed once its page is retrieved.
type Kind int

// Supported job kinds.
const (
	KindSearch Kind = iota + 1
	KindSingleAd
	KindInteractiveResolve
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSearch:
		return "search"
	case KindSingleAd:
		return "singleAd"
	case KindInteractiveResolve:
		return "interactiveResolve"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSearch, KindSingleAd, KindInteractiveResolve:
		return true
	default:
		return false
	}
}

// ParseKind converts a wire name into a Kind. An empty string maps to KindSearch.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "search":
		return KindSearch, nil
	case "singlead", "single_ad", "archive":
		return KindSingleAd, nil
	case "interactiveresolve", "interactive_resolve":
		return KindInteractiveResolve, nil
	default:
		return 0, fmt.Errorf("unknown job kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid job kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
