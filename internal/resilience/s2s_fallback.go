package resilience

import (
	"context"

	"github.com/MrWong99/telebridge/pkg/provider/s2s"
)

// S2SFallback is an [s2s.Provider] that connects through the first healthy
// endpoint of a [FallbackGroup].
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] preferring primary.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another endpoint, tried after those already added.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first endpoint that accepts it.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	h, _, err := ExecuteWithResult(ctx, f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	return h, err
}

// Capabilities reports the primary endpoint's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}

// States reports each endpoint's breaker state keyed by name.
func (f *S2SFallback) States() map[string]State {
	return f.group.States()
}
