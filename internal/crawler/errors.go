package crawler

import (
	"context"
	"errors"
)

var (
	// ErrChallenge marks a page blocked by a bot challenge.
	ErrChallenge = errors.New("challenge detected")
	// ErrInvalidTarget is returned for requests without a usable URL or client.
	ErrInvalidTarget = errors.New("invalid crawl target")
	// ErrExhausted is returned when no interactive display or port is free.
	ErrExhausted = errors.New("interactive resources exhausted")
	// ErrObjectNotFound is returned by blob readers for missing paths.
	ErrObjectNotFound = errors.New("object not found")
)

// SanitizeError maps an internal error onto a message that is safe to forward
// to clients. Paths, hostnames, and stack details never leave the process.
func SanitizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExhausted):
		return "no interactive session is available, try again later"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid request"
	case errors.Is(err, ErrChallenge):
		return "automated retrieval was blocked"
	case errors.Is(err, context.DeadlineExceeded):
		return "the page took too long to load"
	case errors.Is(err, context.Canceled):
		return "the request was canceled"
	default:
		return "the page could not be retrieved"
	}
}
