package resilience

import (
	"context"

	"github.com/MrWong99/sysaudio/pkg/audio/backend"
	"github.com/MrWong99/sysaudio/pkg/audio/loopback"
)

// GuardedBackend is a [backend.Backend] whose Inventory runs through a
// [Breaker]. Every other method is forwarded unchanged.
type GuardedBackend struct {
	backend.Backend
	breaker *Breaker
}

// Guard wraps b. An empty cfg.Name defaults to the backend name.
func Guard(b backend.Backend, cfg BreakerConfig) *GuardedBackend {
	if cfg.Name == "" {
		cfg.Name = b.Name() + " enumeration"
	}
	return &GuardedBackend{Backend: b, breaker: NewBreaker(cfg)}
}

// Inventory enumerates devices unless the breaker is open, in which case it
// returns [ErrOpen] immediately.
func (g *GuardedBackend) Inventory(ctx context.Context) (loopback.Inventory, error) {
	var inv loopback.Inventory
	err := g.breaker.Do(func() error {
		var err error
		inv, err = g.Backend.Inventory(ctx)
		return err
	})
	return inv, err
}

// BreakerState reports the state of the enumeration breaker.
func (g *GuardedBackend) BreakerState() State {
	return g.breaker.State()
}
