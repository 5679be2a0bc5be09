package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

var errDisabled = errors.New("browser automation disabled")

// Noop implements crawler.Browser but refuses every session, for deployments
// that run the API and archive tiers without Chrome.
type Noop struct{}

// NewNoop creates a new Noop browser.
func NewNoop() *Noop {
	return &Noop{}
}

// NewSession returns an error since this is a stub implementation.
func (Noop) NewSession(context.Context, string) (crawler.BrowserSession, error) {
	return nil, errDisabled
}
