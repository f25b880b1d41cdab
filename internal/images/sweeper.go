package images

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// sweepLeaseKey guards the periodic sweep so only one replica runs it per
// interval. Sweeping without the lease would still be correct (every purge
// is a compare-and-set), the lease just avoids redundant remote deletes.
const sweepLeaseKey = "mediastage:sweeper:lease"

// LeaseLocker grants short-lived exclusive leases across replicas
type LeaseLocker interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
}

// Sweeper periodically reclaims staged images past their TTL deadline
type Sweeper struct {
	service  *Service
	locker   LeaseLocker
	interval time.Duration
	done     chan struct{}
}

// NewSweeper creates a sweeper running at the given interval. The locker
// may be nil, in which case every replica sweeps independently.
func NewSweeper(service *Service, locker LeaseLocker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		service:  service,
		locker:   locker,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; the loop stops
// when ctx is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	go sw.run(ctx)
}

// Wait blocks until the sweep loop has fully stopped
func (sw *Sweeper) Wait() {
	<-sw.done
}

func (sw *Sweeper) run(ctx context.Context) {
	defer close(sw.done)

	log.Info().Dur("interval", sw.interval).Msg("expiry sweeper started")

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single reclamation pass, holding the cross-replica
// lease for the duration of the pass
func (sw *Sweeper) sweepOnce(ctx context.Context) {
	if sw.locker != nil {
		acquired, err := sw.locker.AcquireLease(ctx, sweepLeaseKey, sw.interval)
		if err != nil {
			log.Warn().Err(err).Msg("failed to acquire sweep lease, skipping pass")
			return
		}
		if !acquired {
			log.Debug().Msg("sweep lease held elsewhere, skipping pass")
			return
		}
		defer func() {
			if err := sw.locker.ReleaseLease(ctx, sweepLeaseKey); err != nil {
				log.Warn().Err(err).Msg("failed to release sweep lease")
			}
		}()
	}

	reclaimed, err := sw.service.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("expiry sweep failed")
		return
	}

	log.Debug().Int("reclaimed", reclaimed).Msg("expiry sweep completed")
}
