package testutil

import (
	"context"
	"testing"
	"time"
)

// Wait constants bound how long tests wait for async operations. With
// a mock clock they only matter when something is genuinely broken.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Context returns a context canceled at test cleanup, bounded by dur.
func Context(t *testing.T, dur time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}
