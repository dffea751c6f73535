// internal/conn/backoff.go
package conn

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// newReconnectBackOff builds the delay sequence of one reconnect run. It
// yields backoff.Stop after cfg.MaxReconnectAttempts delays.
func newReconnectBackOff(cfg Config, clock clockwork.Clock) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBase
	b.MaxInterval = cfg.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = cfg.ReconnectJitter
	b.MaxElapsedTime = 0
	// clockwork clocks satisfy backoff.Clock.
	b.Clock = clock
	b.Reset()

	attempts := cfg.MaxReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts))
}
