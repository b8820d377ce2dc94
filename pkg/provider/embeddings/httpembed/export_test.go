package httpembed

import (
	"context"
	"time"
)

// DisableBackoffForTest replaces the retry sleep so tests do not wait out the
// real backoff schedule.
func DisableBackoffForTest(p *Provider) {
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
}
