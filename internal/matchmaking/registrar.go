package matchmaking

import (
	"context"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
)

// DefaultRegistrationInterval is how often a chain refreshes its directory
// entry.
const DefaultRegistrationInterval = 25 * time.Minute

// Registrar keeps this chain registered independently of block traffic.
type Registrar struct {
	client   *Client
	interval time.Duration
}

// NewRegistrar creates a registrar that refreshes every interval.
func NewRegistrar(client *Client, interval time.Duration) *Registrar {
	if interval <= 0 {
		interval = DefaultRegistrationInterval
	}
	return &Registrar{client: client, interval: interval}
}

// Run registers immediately, then again on every tick until ctx is
// cancelled.
func (r *Registrar) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh re-registers and reads the entry back, so a directory that
// accepted the write but does not list the chain is noticed.
func (r *Registrar) refresh(ctx context.Context) {
	if err := r.client.RegisterSelf(ctx); err != nil {
		log.Matchmaking.Error().Err(err).Msg("Registration failed")
		return
	}
	ok, err := r.client.VerifyRegistration(ctx)
	switch {
	case err != nil:
		log.Matchmaking.Warn().Err(err).Msg("Registration check failed")
	case !ok:
		log.Matchmaking.Warn().Str("chain_id", string(r.client.Self().ID)).Msg("Chain not listed after registration")
	default:
		log.Matchmaking.Debug().Msg("Registration refreshed")
	}
}
