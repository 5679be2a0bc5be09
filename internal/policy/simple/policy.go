// Package simple contains the permissive navigation policy used when rate
// limiting is disabled.
package simple

import "context"

// Policy never delays a navigation.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns immediately unless ctx is already done.
func (Policy) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
